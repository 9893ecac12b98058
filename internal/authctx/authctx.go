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

// Package authctx assembles the configuration-derived state every
// milter session works against: mechanism policies, the exclusion
// netblocks, the public suffix index and the resolver pool.
//
// The state is immutable once built. Configuration reload builds a new
// Context and swaps it in atomically. Callers take a reference only for
// the duration of one bounded evaluation step and release it on every
// path out, so an old snapshot is freed as soon as reload moves it out
// of the slot and the evaluations running against it finish.
package authctx

import (
	"crypto"
	"net"
	"sync/atomic"

	"github.com/foxcpp/minos/internal/dkim"
	"github.com/foxcpp/minos/internal/dnspool"
	"github.com/foxcpp/minos/internal/psl"
	"github.com/foxcpp/minos/internal/stats"
)

// Action is what the milter layer does when DMARC says reject.
type Action int

const (
	// ActionNone annotates via Authentication-Results and continues.
	ActionNone Action = iota
	ActionReject
	ActionTempFail
	ActionDiscard
)

// DKIMPolicy is the DKIM-and-author-policies part of the configuration.
type DKIMPolicy struct {
	Enable bool
	Verify dkim.VerifyPolicy

	ADSP     bool
	ATPS     bool
	ATPSHash crypto.Hash
}

// DMARCPolicy configures DMARC evaluation and enforcement.
type DMARCPolicy struct {
	Enable bool

	RejectAction Action
	RejectCode   int
	RejectECode  string
	RejectText   string
}

// Context is one complete, immutable configuration snapshot plus the
// shared runtime resources bound to it. Obtain via Manager.Current,
// hand back via Release.
type Context struct {
	AuthservID string

	SPF      bool
	SenderID bool
	DKIM     DKIMPolicy
	DMARC    DMARCPolicy

	ExcludeNets []net.IPNet

	PSL       *psl.Index
	Resolvers *dnspool.Pool
	Stats     *stats.Grid

	refs int64
}

// Excluded reports whether connections from ip bypass authentication
// entirely.
func (c *Context) Excluded(ip net.IP) bool {
	for _, ipNet := range c.ExcludeNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *Context) ref() {
	atomic.AddInt64(&c.refs, 1)
}

func (c *Context) tryRef() bool {
	for {
		old := atomic.LoadInt64(&c.refs)
		if old == 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.refs, old, old+1) {
			return true
		}
	}
}

// Release drops one reference. The last reference out closes the
// resources owned by this snapshot (the resolver pool; the stats grid
// is shared across snapshots and stays).
func (c *Context) Release() {
	refs := atomic.AddInt64(&c.refs, -1)
	switch {
	case refs > 0:
	case refs == 0:
		if c.Resolvers != nil {
			c.Resolvers.Close()
		}
	default:
		panic("authctx: context released more times than acquired")
	}
}

// Manager hands out the current Context and swaps it on reload.
//
// The current snapshot is held in an atomic pointer; the manager itself
// keeps one reference for whatever snapshot is in the slot, so a
// snapshot dies only after it left the slot and the last session
// using it ended.
type Manager struct {
	current atomic.Pointer[Context]
}

func NewManager(ctx *Context) *Manager {
	ctx.ref()
	m := &Manager{}
	m.current.Store(ctx)
	return m
}

// Current returns the current snapshot with a reference taken. Returns
// nil after Close.
func (m *Manager) Current() *Context {
	for {
		c := m.current.Load()
		if c == nil {
			return nil
		}
		if !c.tryRef() {
			// Lost the race against a swap that already dropped the
			// slot reference. Load again.
			continue
		}
		if m.current.Load() != c {
			c.Release()
			continue
		}
		return c
	}
}

// Swap installs next as the current snapshot and drops the slot
// reference of the previous one.
func (m *Manager) Swap(next *Context) {
	next.ref()
	if old := m.current.Swap(next); old != nil {
		old.Release()
	}
}

// Close drops the slot reference. Sessions still holding the snapshot
// keep it alive until they release it.
func (m *Manager) Close() {
	if old := m.current.Swap(nil); old != nil {
		old.Release()
	}
}
