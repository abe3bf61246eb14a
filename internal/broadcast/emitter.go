package broadcast

import (
	"context"

	"pricer/internal/model"
)

// Emitter is the boundary to the real-time gateway. The scheduler emits one
// batch per tick; implementations fan it out however they like.
type Emitter interface {
	EmitBatch(ctx context.Context, batch model.PriceBatch) error
}

// NopEmitter discards all events. Used in headless runs and tests.
type NopEmitter struct{}

// EmitBatch implements Emitter.
func (NopEmitter) EmitBatch(ctx context.Context, batch model.PriceBatch) error {
	return nil
}
