package invalidation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/rs/zerolog"
)

// ErrEmptyPayload is returned for messages that name no URL.
var ErrEmptyPayload = errors.New("invalidation payload names no url")

// KeyInvalidator drops a decoded image from the in-memory store.
type KeyInvalidator interface {
	InvalidateKey(key types.Key) bool
}

// BlobInvalidator drops mirrored bytes from a shared tier such as Redis.
type BlobInvalidator interface {
	Invalidate(ctx context.Context, key types.Key) error
}

// batchPayload is the JSON form of an invalidation message.
type batchPayload struct {
	URLs []string `json:"urls"`
}

// ParsePayload extracts the keys named by an invalidation message. The
// payload is either a single URL or a JSON object {"urls": [...]}. URLs that
// do not normalize are skipped; it is an error only if none remain.
func ParsePayload(payload []byte) ([]types.Key, []error, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil, ErrEmptyPayload
	}

	var raws []string
	if trimmed[0] == '{' {
		var p batchPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal invalidation payload: %w", err)
		}
		raws = p.URLs
	} else {
		raws = []string{string(trimmed)}
	}

	keys := make([]types.Key, 0, len(raws))
	var skipped []error
	for _, raw := range raws {
		key, err := types.NormalizeKey(raw)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		if len(skipped) > 0 {
			return nil, skipped, skipped[0]
		}
		return nil, nil, ErrEmptyPayload
	}
	return keys, skipped, nil
}

// Listener applies invalidation messages from a MessageConsumer.
type Listener struct {
	consumer MessageConsumer
	store    KeyInvalidator
	blobs    BlobInvalidator
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewListener creates a Listener. blobs may be nil when no shared tier is
// configured.
func NewListener(consumer MessageConsumer, store KeyInvalidator, blobs BlobInvalidator, logger zerolog.Logger) (*Listener, error) {
	if consumer == nil || store == nil {
		return nil, errors.New("invalidation listener requires a consumer and a store")
	}
	return &Listener{
		consumer: consumer,
		store:    store,
		blobs:    blobs,
		logger:   logger.With().Str("component", "InvalidationListener").Logger(),
	}, nil
}

// Start starts the consumer and processes its messages until it stops.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start invalidation consumer: %w", err)
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for msg := range l.consumer.Messages() {
			l.handle(ctx, msg)
		}
	}()
	return nil
}

// Stop stops the consumer and waits for in-progress messages to finish.
func (l *Listener) Stop(ctx context.Context) error {
	err := l.consumer.Stop(ctx)
	l.wg.Wait()
	return err
}

// handle acks malformed messages, since redelivery cannot fix them, and
// nacks messages whose shared tier delete failed so they are retried.
func (l *Listener) handle(ctx context.Context, msg types.ConsumedMessage) {
	keys, skipped, err := ParsePayload(msg.Payload)
	for _, s := range skipped {
		l.logger.Warn().Err(s).Str("msg_id", msg.ID).Msg("Skipping invalid url in invalidation message.")
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Discarding malformed invalidation message.")
		ack(msg)
		return
	}

	failed := false
	for _, key := range keys {
		removed := l.store.InvalidateKey(key)
		if l.blobs != nil {
			if err := l.blobs.Invalidate(ctx, key); err != nil {
				failed = true
				l.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to invalidate shared tier.")
			}
		}
		l.logger.Debug().Str("key", key.String()).Bool("was_cached", removed).Msg("Invalidated.")
	}

	if failed {
		nack(msg)
		return
	}
	ack(msg)
}

func ack(msg types.ConsumedMessage) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

func nack(msg types.ConsumedMessage) {
	if msg.Nack != nil {
		msg.Nack()
	}
}
