package outbox

import (
	"time"
)

const (
	defaultPollingInterval   time.Duration = time.Second * 3
	defaultMaxEventsPerBatch int           = 100
	defaultLeaseDuration     time.Duration = time.Second * 30
	defaultCleanupInterval   time.Duration = time.Hour * 24
	defaultRetentionWindow   time.Duration = time.Hour * 24 * 7
)

// Settings holds the configuration of the dispatcher and the cleaner.
type Settings struct {
	PollingInterval   time.Duration // interval between outbox pollings by the dispatcher
	MaxEventsPerBatch int           // maximum number of messages claimed per polling
	LeaseDuration     time.Duration // how long claimed messages stay reserved for one dispatcher
	CleanupInterval   time.Duration // interval between cleanup runs
	RetentionWindow   time.Duration // processed messages older than this are deleted (0 = every processed message)
}

// validateSettings sets defaults on unset or invalid values. A zero
// RetentionWindow is valid and keeps no processed message.
func validateSettings(s *Settings) {
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.MaxEventsPerBatch <= 0 {
		s.MaxEventsPerBatch = defaultMaxEventsPerBatch
	}
	if s.LeaseDuration <= 0 {
		s.LeaseDuration = defaultLeaseDuration
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = defaultCleanupInterval
	}
	if s.RetentionWindow < 0 {
		s.RetentionWindow = defaultRetentionWindow
	}
}
