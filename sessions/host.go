package sessions

import (
	"context"
	"errors"
)

// ErrSubscriptionEnded is returned by SubscribeSession handlers to stop a
// subscription without reporting a failure.
var ErrSubscriptionEnded = errors.New("subscription ended")

// MessageHandlerFunction receives one published message together with the
// event ID assigned by the host. Returning an error ends the subscription.
type MessageHandlerFunction func(ctx context.Context, eventID string, data []byte) error

// Host is the delivery backbone for server-to-client messages. Each session
// owns an ordered event stream: publishers append, subscribers replay from a
// last-seen event ID and then follow live. Implementations exist for
// process memory and Redis streams.
type Host interface {
	// PublishSession appends data to the session's stream and returns the
	// assigned event ID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (string, error)

	// SubscribeSession replays messages after lastEventID (all retained
	// messages when empty) and then delivers live messages until ctx is
	// canceled or the handler returns an error.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error

	// CleanupSession drops the session's stream and any retained messages.
	CleanupSession(ctx context.Context, sessionID string) error
}
