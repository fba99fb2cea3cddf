package model

import "time"

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the window is well-formed.
func (w TimeWindow) Validate() error {
	if !w.End.After(w.Start) {
		return ErrInvalidWindow
	}
	return nil
}

// Overlaps reports whether the two half-open windows intersect.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start.Before(o.End) && w.End.After(o.Start)
}

// Contains reports whether o lies entirely inside w.
func (w TimeWindow) Contains(o TimeWindow) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration { return w.End.Sub(w.Start) }
