package rethinkconn

// tokenAllocator hands out the 8-byte tokens that multiplex queries onto a
// single connection. It is only ever touched from the driver loop
// goroutine, so it needs no locking of its own — a plain counter, not an
// atomic one.
type tokenAllocator struct {
	next uint64
}

// alloc returns the next token. The counter starts at zero and is
// pre-incremented, so the first token issued is 1; allocating at
// max uint64 wraps to 0 via normal unsigned overflow, then 1, 2, ...,
// satisfying the requirement that tokens eventually recycle without any
// explicit wraparound logic.
func (a *tokenAllocator) alloc() uint64 {
	a.next++
	return a.next
}
