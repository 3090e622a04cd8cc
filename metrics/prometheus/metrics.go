package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopfront/relay/outbox"
)

type Counter struct {
	Counter prometheus.Counter
}

var _ outbox.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Add(float64(delta))
}

// Counters groups the counters exported by a relay process.
type Counters struct {
	Delivered    *Counter
	Failed       *Counter
	DeadLettered *Counter
	Deleted      *Counter
}

// NewCounters registers the relay counters in reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	factory := promauto.With(reg)
	counter := func(name string, help string) *Counter {
		return &Counter{Counter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "outbox",
			Name:      name,
			Help:      help,
		})}
	}
	return &Counters{
		Delivered:    counter("messages_delivered_total", "The total number of outbox messages delivered"),
		Failed:       counter("messages_failed_total", "The total number of failed delivery attempts"),
		DeadLettered: counter("messages_dead_lettered_total", "The total number of outbox messages dead-lettered"),
		Deleted:      counter("messages_deleted_total", "The total number of processed outbox messages deleted"),
	}
}
