/*
Minos - Standalone mail authentication daemon.
Copyright © 2022-2023 Max Mazurov <fox.cpp@disroot.org>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package conncount implements a reference counter with a "reached zero"
// barrier.
//
// It is used in two places: the milter endpoint counts established
// connections with it (the listener holds one reference, so the barrier
// fires only after the listener is closed *and* all sessions are done)
// and the authentication context uses it to delay resource teardown
// until the last session referencing the context went away.
package conncount

import (
	"context"
	"sync"
)

// Counter is a reference counter. The zero barrier is a channel that is
// closed when the count drops to zero, making it usable in select loops.
//
// Once the counter reached zero it stays there; Add refuses to
// resurrect it.
type Counter struct {
	mu   sync.Mutex
	n    int64
	zero chan struct{}
}

// New creates a counter with one reference held on behalf of the caller.
func New() *Counter {
	return &Counter{
		n:    1,
		zero: make(chan struct{}),
	}
}

// Add takes an additional reference.
//
// If the counter already dropped to zero, no reference is taken and Add
// reports false. Callers that obtained the Counter from a shared slot
// should re-read the slot and retry in this case.
func (c *Counter) Add() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.n == 0 {
		return false
	}
	c.n++
	return true
}

// Done releases one reference. The last Done closes the zero barrier.
func (c *Counter) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.n == 0 {
		panic("conncount: Done called on a drained counter")
	}
	c.n--
	if c.n == 0 {
		close(c.zero)
	}
}

// Value returns the current reference count. It is a diagnostic value,
// the count may change the moment the method returns.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Zero returns the barrier channel. It is closed when the count reaches
// zero.
func (c *Counter) Zero() <-chan struct{} {
	return c.zero
}

// Wait blocks until the count reaches zero or ctx is done.
func (c *Counter) Wait(ctx context.Context) error {
	select {
	case <-c.zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
