package trainer

import "fmt"

// IndicatorStart returns the first row of mask whose first column is 1, or
// -1 if there is none.
func IndicatorStart(mask [][]float64) int {
	for i, row := range mask {
		if len(row) > 0 && row[0] == 1 {
			return i
		}
	}
	return -1
}

// NewIndicator builds a loss mask of numTimeSteps rows by numOutput columns
// that is zero before start and one from start onward.
func NewIndicator(numTimeSteps, numOutput, start int) ([][]float64, error) {
	if numTimeSteps <= 0 || numOutput <= 0 {
		return nil, fmt.Errorf("%w: mask must be at least 1x1 (got %dx%d)", ErrInvalidIndicator, numTimeSteps, numOutput)
	}
	if start < 0 || start >= numTimeSteps {
		return nil, fmt.Errorf("%w: start %d outside [0, %d)", ErrInvalidIndicator, start, numTimeSteps)
	}
	mask := make([][]float64, numTimeSteps)
	for i := range mask {
		mask[i] = make([]float64, numOutput)
		if i < start {
			continue
		}
		for j := range mask[i] {
			mask[i][j] = 1
		}
	}
	return mask, nil
}

func (t *Trainer) validateIndicator(mask [][]float64) (int, error) {
	if len(mask) != t.cfg.NumTimeSteps {
		return -1, fmt.Errorf("%w: want %d rows, got %d", ErrInvalidIndicator, t.cfg.NumTimeSteps, len(mask))
	}
	for i, row := range mask {
		if len(row) != t.cfg.NumOutput {
			return -1, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidIndicator, i, len(row), t.cfg.NumOutput)
		}
	}
	start := IndicatorStart(mask)
	if start < 0 {
		return -1, fmt.Errorf("%w: no row starts with 1", ErrInvalidIndicator)
	}
	if s := sumRows(mask[:start]); s != 0 {
		return -1, fmt.Errorf("%w: rows before %d sum to %g", ErrInvalidIndicator, start, s)
	}
	want := float64((len(mask) - start) * t.cfg.NumOutput)
	if s := sumRows(mask[start:]); s != want {
		return -1, fmt.Errorf("%w: rows from %d sum to %g, want %g", ErrInvalidIndicator, start, s, want)
	}
	return start, nil
}

func sumRows(rows [][]float64) float64 {
	var s float64
	for _, row := range rows {
		for _, v := range row {
			s += v
		}
	}
	return s
}
