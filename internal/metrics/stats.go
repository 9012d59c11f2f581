package metrics

import "time"

// Window accumulates timing stats across multiple batches.
type Window struct {
	batches  int
	run      time.Duration
	lastLoss float64
}

// Record adds one batch's run time to the window.
func (w *Window) Record(runTime time.Duration) {
	w.batches++
	w.run += runTime
}

// ObserveLoss sets the loss reported by the next snapshot.
func (w *Window) ObserveLoss(loss float64) {
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window. The last loss
// carries over.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Batches: w.batches, LastLoss: w.lastLoss}
	if w.run > 0 {
		snap.BatchesPerSec = float64(w.batches) / w.run.Seconds()
	}
	if w.batches > 0 {
		snap.AvgRunMS = (w.run.Seconds() * 1000) / float64(w.batches)
	}

	w.batches = 0
	w.run = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Batches       int
	BatchesPerSec float64
	AvgRunMS      float64
	LastLoss      float64
}
