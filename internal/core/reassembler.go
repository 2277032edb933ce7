package core

import (
	"bytes"
	"sync"
)

// Reassembler accumulates fragmented frames per sender until the terminal
// frame arrives. A begin frame always resets any prior partial buffer;
// a continuation without a begin is discarded silently.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[uint64]*bytes.Buffer
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[uint64]*bytes.Buffer)}
}

// Begin starts a new fragment sequence for uid, replacing any prior one.
func (a *Reassembler) Begin(uid uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := &bytes.Buffer{}
	buf.Write(data)
	a.buffers[uid] = buf
}

// Continue appends to the sender's open sequence. Returns false when no
// sequence is open; the fragment is then dropped.
func (a *Reassembler) Continue(uid uint64, data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[uid]
	if !ok {
		return false
	}
	buf.Write(data)
	return true
}

// End closes the sender's sequence and returns the full assembled
// message, including this final fragment. The buffer entry is removed.
func (a *Reassembler) End(uid uint64, data []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[uid]
	if !ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	delete(a.buffers, uid)
	buf.Write(data)
	return buf.Bytes()
}

// Has reports whether uid has an open fragment sequence.
func (a *Reassembler) Has(uid uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buffers[uid]
	return ok
}

// Drop discards the sender's open sequence, if any.
func (a *Reassembler) Drop(uid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, uid)
}
