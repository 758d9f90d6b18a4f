package logging

import "time"

// slowThreshold marks operations worth a warning instead of a debug line.
const slowThreshold = 250 * time.Millisecond

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation in the given category.
//
//	timer := logging.StartTimer(logging.CategoryStore, "UpsertContentItem")
//	defer timer.Stop()
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations are logged at warn level.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed >= slowThreshold {
		l.Warn("%s took %v", t.op, elapsed)
		return
	}
	l.Debug("%s took %v", t.op, elapsed)
}
