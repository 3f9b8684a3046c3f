package state

import "sync"

// OpState is the lifecycle state of one local mutation.
type OpState int

const (
	OpPending OpState = iota
	OpConfirmed
	OpSuperseded
	OpRejected
)

func (s OpState) String() string {
	switch s {
	case OpPending:
		return "pending"
	case OpConfirmed:
		return "confirmed"
	case OpSuperseded:
		return "superseded"
	case OpRejected:
		return "rejected"
	}
	return "unknown"
}

// Receipt tracks one local mutation until the server confirms or rejects it.
// Done is closed once the mutation reaches a terminal state.
type Receipt struct {
	Key string

	mu      sync.Mutex
	blockID string
	state   OpState
	err     error
	done    chan struct{}
}

func newReceipt(key, blockID string) *Receipt {
	return &Receipt{Key: key, blockID: blockID, done: make(chan struct{})}
}

// BlockID is the provisional ID for an unconfirmed create and the server
// assigned ID afterwards.
func (r *Receipt) BlockID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blockID
}

func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

func (r *Receipt) State() OpState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err is nil unless the mutation was rejected.
func (r *Receipt) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Receipt) supersede() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == OpPending {
		r.state = OpSuperseded
	}
}

func (r *Receipt) setBlockID(id string) {
	r.mu.Lock()
	r.blockID = id
	r.mu.Unlock()
}

// finish moves the receipt to a terminal state. A superseded receipt stays
// superseded when its echo confirms it.
func (r *Receipt) finish(state OpState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	if !(state == OpConfirmed && r.state == OpSuperseded) {
		r.state = state
	}
	r.err = err
	close(r.done)
}
