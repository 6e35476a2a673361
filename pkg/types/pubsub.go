package types

import (
	"time"
)

// ConsumedMessage is a message received from a broker, together with the
// handles used to acknowledge it. The invalidation feed consumes these.
type ConsumedMessage struct {
	// ID is the unique identifier for the message from the source broker.
	ID string
	// Payload is the raw byte content of the message.
	Payload []byte
	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time

	Attributes map[string]string

	Ack func()
	// Nack is a function to call to signal that processing has failed and the
	// message should be re-queued or sent to a dead-letter queue.
	Nack func()
}
