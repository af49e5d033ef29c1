package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// Mutation declares a write and the cache effects of its success.
// Invalidates must list every dependent key pattern; nothing else is
// refreshed automatically.
type Mutation[In, Out any] struct {
	Name string
	Run  func(ctx context.Context, in In) (Out, error)

	// Update writes results straight into the cache (optional).
	Update func(c *Cache, in In, out Out)

	Invalidates func(in In, out Out) []Pattern
}

// Mutate runs m. On success it applies Update, then invalidates the declared
// patterns. A failed mutation leaves the cache untouched.
func Mutate[In, Out any](ctx context.Context, c *Cache, m Mutation[In, Out], in In) (Out, error) {
	out, err := m.Run(ctx, in)
	if err != nil {
		c.record("mutation_failed")
		return out, fmt.Errorf("%s: %w", m.Name, err)
	}

	if m.Update != nil {
		m.Update(c, in, out)
	}

	var invalidated []string
	if m.Invalidates != nil {
		for _, p := range m.Invalidates(in, out) {
			c.Invalidate(p)
			invalidated = append(invalidated, p.String())
		}
	}

	c.log.Debug("mutation completed", logger.Mutation(m.Name), logger.F("invalidated", invalidated))
	_ = c.config.Publisher.Publish(shared.NewMutationCompletedEvent(m.Name, invalidated))
	return out, nil
}
