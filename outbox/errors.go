package outbox

import "errors"

var (
	ErrEventRequired       = errors.New("event is required")
	ErrEventTypeRequired   = errors.New("event type is required")
	ErrUnknownEventType    = errors.New("event type is not registered")
	ErrDuplicateEventType  = errors.New("event type already registered")
	ErrEventTypeMismatch   = errors.New("event type does not match its registration")
	ErrInvalidBatchSize    = errors.New("batch size must be greater than zero")
	ErrInvalidRetention    = errors.New("retention window must not be negative")
	ErrInvalidLease        = errors.New("lease duration must be greater than zero")
	ErrInvalidRetryPolicy  = errors.New("retry policy delays must keep growing")
	ErrConcurrentUpdate    = errors.New("message was modified concurrently")
	ErrRepositoryRequired  = errors.New("repository is required")
	ErrRegistryRequired    = errors.New("registry is required")
	ErrEmitterRequired     = errors.New("emitter is required")
	ErrStoreRequired       = errors.New("store is required")
	ErrDispatcherIsRunning = errors.New("dispatcher is already running")
)
