package history

import "sync"

// Observer receives every published LoadState.
type Observer func(state LoadState)

// SnapshotPublisher delivers snapshots to at most one observer.
type SnapshotPublisher struct {
	mu       sync.Mutex
	observer Observer
	token    int64
	latest   LoadState
}

// NewSnapshotPublisher returns a publisher with no observer and an idle snapshot.
func NewSnapshotPublisher() *SnapshotPublisher {
	return &SnapshotPublisher{latest: LoadState{Phase: PhaseIdle}}
}

// Subscribe registers observer, replacing any previous one. The returned function
// unregisters it; calling it after a newer subscription has no effect.
func (p *SnapshotPublisher) Subscribe(observer Observer) func() {
	p.mu.Lock()
	p.token++
	token := p.token
	p.observer = observer
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.token == token {
			p.observer = nil
		}
	}
}

// Publish records state as the latest snapshot and hands it to the observer.
// The observer runs outside the lock so it may unsubscribe from within.
func (p *SnapshotPublisher) Publish(state LoadState) {
	p.mu.Lock()
	p.latest = state
	observer := p.observer
	p.mu.Unlock()

	if observer != nil {
		observer(state)
	}
}

// Latest returns the most recently published snapshot.
func (p *SnapshotPublisher) Latest() LoadState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Detach drops the observer regardless of which subscription installed it.
func (p *SnapshotPublisher) Detach() {
	p.mu.Lock()
	p.token++
	p.observer = nil
	p.mu.Unlock()
}
