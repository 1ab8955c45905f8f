// Package memoryhost provides an in-process implementation of the sessions
// Host interface. Messages are retained per session so a reconnecting
// subscriber can replay from its last seen event ID.
package memoryhost

import (
	"context"
	"strconv"
	"sync"

	"github.com/scitara-cto/dynamic-mcp-server/sessions"
)

type event struct {
	id   uint64
	data []byte
}

type stream struct {
	mu      sync.Mutex
	nextID  uint64
	closed  bool
	events  []event
	waiters []chan struct{}
}

// Host implements sessions.Host over process memory.
type Host struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func New() *Host {
	return &Host{streams: make(map[string]*stream)}
}

func (h *Host) stream(sessionID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{nextID: 1}
		h.streams[sessionID] = st
	}
	return st
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	st := h.stream(sessionID)

	st.mu.Lock()
	id := st.nextID
	st.nextID++
	cp := make([]byte, len(data))
	copy(cp, data)
	st.events = append(st.events, event{id: id, data: cp})
	waiters := st.waiters
	st.waiters = nil
	st.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return strconv.FormatUint(id, 10), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	st := h.stream(sessionID)

	var after uint64
	if lastEventID != "" {
		n, err := strconv.ParseUint(lastEventID, 10, 64)
		if err == nil {
			after = n
		}
	}

	for {
		st.mu.Lock()
		var pending []event
		for _, ev := range st.events {
			if ev.id > after {
				pending = append(pending, ev)
			}
		}
		var wait chan struct{}
		if len(pending) == 0 {
			// A cleaned-up stream never produces another event; end the
			// subscription once the backlog is drained.
			if st.closed {
				st.mu.Unlock()
				return nil
			}
			wait = make(chan struct{})
			st.waiters = append(st.waiters, wait)
		}
		st.mu.Unlock()

		for _, ev := range pending {
			if err := handler(ctx, strconv.FormatUint(ev.id, 10), ev.data); err != nil {
				if err == sessions.ErrSubscriptionEnded {
					return nil
				}
				return err
			}
			after = ev.id
		}
		if wait == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	delete(h.streams, sessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	// Mark the stream dead and wake any blocked subscribers so they end
	// promptly instead of waiting on a stream nobody can publish to.
	st.mu.Lock()
	st.closed = true
	waiters := st.waiters
	st.waiters = nil
	st.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return nil
}

// Compile-time interface check
var _ sessions.Host = (*Host)(nil)
