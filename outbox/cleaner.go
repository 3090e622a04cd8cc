package outbox

import (
	"context"
	"errors"
	"time"
)

// Cleaner periodically deletes processed messages older than the retention
// window. It is the only component that removes outbox rows.
type Cleaner struct {
	settings   Settings
	store      *Store
	logger     Logger
	deletedCtr Counter
}

// CleanerOption allows optional configuration of a Cleaner.
type CleanerOption func(c *Cleaner)

// WithOnDeletedCounter counts deleted rows.
func WithOnDeletedCounter(co Counter) CleanerOption {
	return func(c *Cleaner) {
		if co != nil {
			c.deletedCtr = co
		}
	}
}

func NewCleaner(s *Store, settings Settings, options ...CleanerOption) (*Cleaner, error) {
	if s == nil {
		return nil, ErrStoreRequired
	}
	validateSettings(&settings)

	c := &Cleaner{
		settings:   settings,
		store:      s,
		logger:     s.logger,
		deletedCtr: &NopCounter{},
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Run cleans up once immediately and then every CleanupInterval until ctx is
// done. A failed run is logged and retried on the next tick.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		if _, err := c.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("cleaning up the outbox", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cleanup runs a single cleanup pass.
func (c *Cleaner) Cleanup(ctx context.Context) (int64, error) {
	n, err := c.store.CleanupProcessedMessages(ctx, c.settings.RetentionWindow)
	if err != nil {
		return 0, err
	}
	c.deletedCtr.Inc(n)
	return n, nil
}
