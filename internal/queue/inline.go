package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// InlineProducer runs lane jobs synchronously in single mode, where no
// broker is available. The handler is bound after construction so
// producer and worker can reference each other.
// Params: late-bound lane handler.
// Returns: Producer that executes jobs in the caller's goroutine.
type InlineProducer struct {
	handler Handler
}

// NewInlineProducer creates unbound inline producer.
// Params: none.
// Returns: producer that fails until Bind is called.
func NewInlineProducer() *InlineProducer {
	return &InlineProducer{}
}

// Bind attaches the lane handler.
// Params: handler executed on every enqueue.
// Returns: none.
func (p *InlineProducer) Bind(handler Handler) {
	p.handler = handler
}

// Enqueue encodes and immediately executes one job.
// Params: context, job id (unused inline), and payload.
// Returns: encode or handler error.
func (p *InlineProducer) Enqueue(ctx context.Context, _ string, payload any) error {
	if p.handler == nil {
		return errors.New("inline lane has no handler bound")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode inline job: %w", err)
	}
	return p.handler(ctx, body)
}

// Close releases no resources for inline producer.
// Params: none.
// Returns: nil.
func (p *InlineProducer) Close() error {
	return nil
}
