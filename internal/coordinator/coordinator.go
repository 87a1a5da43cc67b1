// Package coordinator wires scanner change events to cache invalidation.
// It owns no data: layout caches belong to the layout engine and
// thumbnail caches to the pipeline; this is only the protocol between
// them.
package coordinator

import (
	"context"

	"media-indexer/internal/layout"
	"media-indexer/internal/logging"
	"media-indexer/internal/scanner"
	"media-indexer/internal/thumbs"
)

// Coordinator consumes scan events and invalidates dependent caches.
type Coordinator struct {
	layout *layout.Engine
	thumbs *thumbs.Pipeline
	events <-chan scanner.Event
}

// New creates a Coordinator over the scanner's event stream.
func New(events <-chan scanner.Event, eng *layout.Engine, pipe *thumbs.Pipeline) *Coordinator {
	return &Coordinator{
		layout: eng,
		thumbs: pipe,
		events: events,
	}
}

// Run drains events until the stream closes or the context ends. Call on
// its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// handle applies one event. Any list change invalidates every layout,
// since a single mtime shift alters the ordering fingerprint of the whole
// sequence. Thumbnail entries are only dropped for the state that is
// gone; the new state fills in lazily on the next request.
func (c *Coordinator) handle(ctx context.Context, ev scanner.Event) {
	switch ev.Kind {
	case scanner.Added:
		c.invalidateLayouts(ctx, ev)

	case scanner.Updated:
		c.invalidateLayouts(ctx, ev)
		oldKey := thumbs.KeyForStamp(ev.Item.Path, ev.OldStamp)
		c.thumbs.Invalidate(oldKey)
		logging.Debug("Invalidated thumbnail %s for updated %s", oldKey, ev.Item.Path)

	case scanner.Removed:
		c.invalidateLayouts(ctx, ev)
		// Keep the on-disk thumbnail so a path that reappears within the
		// grace window renders immediately; only the memory entry goes.
		key := thumbs.KeyForStamp(ev.Item.Path, ev.OldStamp)
		c.thumbs.Release(key)
		logging.Debug("Released thumbnail %s for missing %s", key, ev.Item.Path)
	}
}

func (c *Coordinator) invalidateLayouts(ctx context.Context, ev scanner.Event) {
	if err := c.layout.Invalidate(ctx); err != nil {
		logging.Warn("Layout invalidation after %s of %s failed: %v",
			ev.Kind, ev.Item.Path, err)
	}
}
