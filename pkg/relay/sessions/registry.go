package sessions

import (
	"context"
	"sort"
	"sync"

	"github.com/vango-go/vai-relay/pkg/relay/session"
)

// Handle is what the registry needs from a live relay session.
type Handle struct {
	Summary func() session.CallSummary
	Cancel  func()
	End     func(reason string)
}

// Registry maps connection handles to live relay sessions. One instance is
// owned by the server; entries live exactly as long as their connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
	}
}

// Register adds a session under id. The returned func removes it and is safe
// to call more than once. Registering an id again replaces the old entry.
func (r *Registry) Register(id string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[id]
	r.sessions[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(id, old)
	}

	return func() { r.unregister(id, e) }
}

func (r *Registry) unregister(id string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns summaries of all live sessions ordered by connect time.
func (r *Registry) Snapshot() []session.CallSummary {
	if r == nil {
		return nil
	}

	var summaries []func() session.CallSummary
	r.mu.Lock()
	for _, e := range r.sessions {
		if e == nil || e.handle.Summary == nil {
			continue
		}
		summaries = append(summaries, e.handle.Summary)
	}
	r.mu.Unlock()

	out := make([]session.CallSummary, 0, len(summaries))
	for _, summary := range summaries {
		out = append(out, summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// EndAll asks every session to end its call with reason.
func (r *Registry) EndAll(reason string) (sent int) {
	if r == nil {
		return 0
	}

	var ends []func(string)
	r.mu.Lock()
	for _, e := range r.sessions {
		if e == nil || e.handle.End == nil {
			continue
		}
		ends = append(ends, e.handle.End)
	}
	r.mu.Unlock()

	for _, end := range ends {
		end(reason)
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, e := range r.sessions {
		if e == nil || e.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, e.handle.Cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
