package tracing

import "time"

// TimeTeller tells the current time of a run, in seconds.
type TimeTeller interface {
	CurrentTime() float64
}

// A WallClockTimeTeller reports the wall-clock time elapsed since it was
// created.
type WallClockTimeTeller struct {
	start time.Time
}

// NewWallClockTimeTeller creates a TimeTeller that starts counting now.
func NewWallClockTimeTeller() *WallClockTimeTeller {
	return &WallClockTimeTeller{start: time.Now()}
}

// CurrentTime returns the number of seconds elapsed since the teller was
// created.
func (t *WallClockTimeTeller) CurrentTime() float64 {
	return time.Since(t.start).Seconds()
}
