package offlinecache

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// Event is the completion token of a lifecycle signal.
// Work registered with WaitUntil belongs to the event, and Wait returns only
// after all of it has finished. The host joins on Wait before it lets the
// corresponding state transition happen.
type Event struct {
	ctx context.Context
	g   errgroup.Group
}

func newEvent(ctx context.Context) *Event {
	return &Event{ctx: ctx}
}

// WaitUntil extends the lifetime of the event until fn returns.
// It must not be called after Wait has returned.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error {
		return fn(e.ctx)
	})
}

// Wait blocks until all registered work is done and returns the first error.
func (e *Event) Wait() error {
	return e.g.Wait()
}

// FetchEvent is raised once for every outgoing request.
type FetchEvent struct {
	*Event
	Request *http.Request
	// Status records how the request was handled.
	Status cachestatus.CacheStatus
}

// NewFetchEvent creates the event for an outgoing request.
// Work registered on it outlives the request context, so a cache write is
// not cut short when the response has already been delivered.
func NewFetchEvent(r *http.Request) *FetchEvent {
	return &FetchEvent{
		Event:   newEvent(context.WithoutCancel(r.Context())),
		Request: r,
	}
}
