package amqp

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, payload *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to domain logic, handling panic recovery and
// poison-pill protection. Undecodable payloads are acked — retrying them can
// never succeed — while business failures propagate to the retry policy.
func Bind[T any](logger *slog.Logger, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		// [PANIC_RECOVERY]
		// A panicking handler must not take the whole consumer down; the
		// message nacks into the retry policy instead.
		defer func() {
			if r := recover(); r != nil {
				logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
				err = errPanicked
			}
		}()

		// [DECODING]
		payload := new(T)
		if derr := json.Unmarshal(msg.Payload, payload); derr != nil {
			logger.Error("DECODE_FAILED", "err", derr, "msg_id", msg.UUID)
			return nil // ACK: poison pill protection
		}

		// [EXECUTION]
		return fn(msg.Context(), payload)
	}
}

type panicError struct{}

func (panicError) Error() string { return "handler panicked" }

var errPanicked = panicError{}
