package tally

import (
	"github.com/shopfront/relay/outbox"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ outbox.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// DispatcherCounters returns the delivered, failed and dead-lettered
// counters of a dispatcher, registered in scope.
func DispatcherCounters(scope tally.Scope) (delivered *Counter, failed *Counter, deadLettered *Counter) {
	s := scope.SubScope("outbox")
	return &Counter{Counter: s.Counter("delivered")},
		&Counter{Counter: s.Counter("failed")},
		&Counter{Counter: s.Counter("dead_lettered")}
}

// CleanerCounter returns the counter of deleted messages registered in scope.
func CleanerCounter(scope tally.Scope) *Counter {
	return &Counter{Counter: scope.SubScope("outbox").Counter("deleted")}
}
