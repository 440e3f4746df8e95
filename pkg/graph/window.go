package graph

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoWindows is returned when a plan covers the horizon with zero
	// complete windows. A run with nothing to evaluate is a configuration
	// error, not an empty result.
	ErrNoWindows = errors.New("window plan produced zero windows")

	// ErrInvalidPlan is returned for non-positive widths or steps and
	// inverted horizons.
	ErrInvalidPlan = errors.New("invalid window plan parameters")
)

// Window is one half-open evaluation interval [Start, End) in epoch
// milliseconds.
type Window struct {
	ID    string
	Start int64
	End   int64
}

// Midpoint returns the center of the window, used by the nearest-midpoint
// disambiguation rule.
func (w Window) Midpoint() int64 {
	return w.Start + (w.End-w.Start)/2
}

// Plan is an ordered sequence of windows over a horizon. Overlapping is set
// when consecutive windows share time, which downstream consumers must
// disambiguate explicitly.
type Plan struct {
	HorizonStart int64
	HorizonEnd   int64
	Width        int64
	Step         int64
	Overlapping  bool
	Windows      []Window
}

// BuildPlan enumerates complete windows of the given width over
// [horizonStart, horizonEnd), advancing by step. A step of zero means
// step = width (tumbling windows). Partial trailing windows are not
// emitted; a horizon too short for a single window is an error.
func BuildPlan(horizonStart, horizonEnd, width, step int64) (Plan, error) {
	if width <= 0 {
		return Plan{}, fmt.Errorf("%w: width must be positive, got %d", ErrInvalidPlan, width)
	}
	if step < 0 {
		return Plan{}, fmt.Errorf("%w: step must not be negative, got %d", ErrInvalidPlan, step)
	}
	if horizonEnd <= horizonStart {
		return Plan{}, fmt.Errorf("%w: horizon end %d must be after start %d", ErrInvalidPlan, horizonEnd, horizonStart)
	}
	if step == 0 {
		step = width
	}

	var windows []Window
	for start := horizonStart; start+width <= horizonEnd; start += step {
		windows = append(windows, Window{
			ID:    fmt.Sprintf("w_%d_%d", start, start+width),
			Start: start,
			End:   start + width,
		})
	}
	if len(windows) == 0 {
		return Plan{}, fmt.Errorf("%w: horizon [%d, %d) is shorter than width %d", ErrNoWindows, horizonStart, horizonEnd, width)
	}

	return Plan{
		HorizonStart: horizonStart,
		HorizonEnd:   horizonEnd,
		Width:        width,
		Step:         step,
		Overlapping:  step < width,
		Windows:      windows,
	}, nil
}

// QuarterWindows builds a tumbling plan of calendar quarters from Q1 of
// startYear through Q4 of endYear, with IDs like "2019Q3". Quarter lengths
// vary, so Width carries the modal quarter length and consumers should key
// periods off the windows themselves.
func QuarterWindows(startYear, endYear int) (Plan, error) {
	if endYear < startYear {
		return Plan{}, fmt.Errorf("%w: end year %d before start year %d", ErrInvalidPlan, endYear, startYear)
	}

	var windows []Window
	for year := startYear; year <= endYear; year++ {
		for q := 0; q < 4; q++ {
			start := time.Date(year, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
			end := start.AddDate(0, 3, 0)
			windows = append(windows, Window{
				ID:    fmt.Sprintf("%dQ%d", year, q+1),
				Start: start.UnixMilli(),
				End:   end.UnixMilli(),
			})
		}
	}

	first := windows[0]
	last := windows[len(windows)-1]
	width := first.End - first.Start
	return Plan{
		HorizonStart: first.Start,
		HorizonEnd:   last.End,
		Width:        width,
		Step:         width,
		Overlapping:  false,
		Windows:      windows,
	}, nil
}
