package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	emilog "github.com/chaoso/EdgeML/internal/log"
	"github.com/chaoso/EdgeML/internal/metrics"
)

const defaultEchoInterval = 15

// EchoFunc runs one batch that reports progress. It must run the train op so
// that echoed batches still update the model.
type EchoFunc func(ctx context.Context, sess Session, feed FeedDict, batch int, out io.Writer) error

// TrainOptions configures a TrainModel pass.
type TrainOptions struct {
	EchoInterval int
	Echo         EchoFunc
	Feed         FeedDict
	Out          io.Writer
}

func (o TrainOptions) withDefaults() TrainOptions {
	if o.EchoInterval <= 0 {
		o.EchoInterval = defaultEchoInterval
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}

// TrainModel runs batches through sess until it reports ErrOutOfRange and
// returns the number of batches completed. Every EchoInterval-th batch, batch
// 0 included, goes through the echo callback; the rest run the train op only.
func (t *Trainer) TrainModel(ctx context.Context, sess Session, opts TrainOptions) (int, error) {
	if !t.built {
		return 0, ErrNotBuilt
	}
	opts = opts.withDefaults()
	echo := opts.Echo
	if echo == nil {
		echo = t.echo
	}

	var window metrics.Window
	batch := 0
	for {
		if err := ctx.Err(); err != nil {
			metrics.PassesTotal.WithLabelValues(metrics.OutcomeCanceled).Inc()
			return batch, err
		}

		started := time.Now()
		kind := metrics.KindTrain
		var err error
		if batch%opts.EchoInterval == 0 {
			kind = metrics.KindEcho
			err = echo(ctx, sess, opts.Feed, batch, opts.Out)
		} else {
			_, err = sess.Run(ctx, opts.Feed, t.trainOp)
		}
		if errors.Is(err, ErrOutOfRange) {
			metrics.PassesTotal.WithLabelValues(metrics.OutcomeExhausted).Inc()
			t.logger.Info().
				Str(emilog.FieldEvent, "end_of_data").
				Int(emilog.FieldBatch, batch).
				Float64(emilog.FieldLoss, t.lastLoss).
				Msg("training pass finished")
			return batch, nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				metrics.PassesTotal.WithLabelValues(metrics.OutcomeCanceled).Inc()
			} else {
				metrics.PassesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			}
			return batch, fmt.Errorf("trainer: batch %d: %w", batch, err)
		}

		elapsed := time.Since(started)
		window.Record(elapsed)
		metrics.BatchesTotal.WithLabelValues(kind).Inc()
		metrics.BatchDuration.Observe(elapsed.Seconds())

		if kind == metrics.KindEcho {
			window.ObserveLoss(t.lastLoss)
			snap := window.Snapshot()
			t.logger.Debug().
				Int(emilog.FieldBatch, batch).
				Float64(emilog.FieldLoss, snap.LastLoss).
				Float64(emilog.FieldBatchPerSec, snap.BatchesPerSec).
				Float64(emilog.FieldRunMS, snap.AvgRunMS).
				Msg("echo")
		}
		batch++
	}
}

// echo is the default EchoFunc: it runs the train and loss ops together and
// rewrites the progress line on out.
func (t *Trainer) echo(ctx context.Context, sess Session, feed FeedDict, batch int, out io.Writer) error {
	vals, err := sess.Run(ctx, feed, t.trainOp, t.lossOp)
	if err != nil {
		return err
	}
	if len(vals) != 2 {
		return fmt.Errorf("trainer: session returned %d values for 2 ops", len(vals))
	}
	t.ObserveLoss(vals[1])
	_, err = fmt.Fprintf(out, "\rBatch %5d Loss %2.5f", batch, vals[1])
	return err
}

// ObserveLoss records a loss value seen by an echo callback. Custom EchoFuncs
// call it so that LastLoss and the loss gauge stay current.
func (t *Trainer) ObserveLoss(loss float64) {
	t.lastLoss = loss
	metrics.Loss.WithLabelValues(string(t.cfg.LossType)).Set(loss)
}
