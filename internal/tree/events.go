package tree

import (
	"context"
	"log/slog"

	"github.com/skyvault/skyvault-go/internal/remote"
)

// Apply folds a single change event from the authority's feed into the
// cache. Events for nodes in uncached subtrees are applied if the parent is
// known and parked as pending otherwise, preserving the no-dangling-parent
// invariant.
func (c *Cache) Apply(ev remote.ChangeEvent) {
	entry := ev.Entry(c.logger)

	switch ev.Op {
	case remote.EventAdd, remote.EventUpdate:
		c.mu.Lock()
		c.insertLocked(entryToNode(entry))
		c.mu.Unlock()

		c.logger.Debug("applied tree event",
			slog.String("op", ev.Op),
			slog.String("node_id", entry.ID),
		)

	case remote.EventRemove:
		c.mu.Lock()
		c.removeLocked(entry.ID)
		c.mu.Unlock()

		c.logger.Debug("applied tree event",
			slog.String("op", ev.Op),
			slog.String("node_id", entry.ID),
		)

	default:
		c.logger.Warn("ignoring unknown tree event",
			slog.String("op", ev.Op),
			slog.String("node_id", entry.ID),
		)
	}
}

// Consume applies events from ch until it closes or ctx is canceled.
// Run as a goroutine alongside remote.Client.StreamEvents.
func (c *Cache) Consume(ctx context.Context, ch <-chan remote.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}

			c.Apply(ev)
		}
	}
}
