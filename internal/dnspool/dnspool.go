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

// Package dnspool implements a bounded pool of DNS resolvers.
//
// Each milter session borrows one resolver for its lifetime so the
// amount of in-flight DNS work is capped by the pool size no matter how
// many connections the MTA opens. Resolvers are constructed lazily and
// reused; a resolver that ran into a transport-level failure is thrown
// away instead of being handed to the next session.
package dnspool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/minos/framework/dns"
)

// ErrClosed is returned by Acquire after the pool was shut down.
var ErrClosed = errors.New("dnspool: pool is closed")

type Config struct {
	// Size caps the number of resolvers that exist at any moment,
	// borrowed or idle. Values below 1 are treated as 1.
	Size int

	// Timeout and Attempts are passed to the default resolver
	// constructor. Ignored when New is set.
	Timeout  time.Duration
	Attempts int

	// New constructs a fresh resolver for an empty slot. Defaults to
	// dns.NewExtResolverTimeout with the Timeout/Attempts above.
	New func() (dns.Resolver, error)
}

type Pool struct {
	newResolver func() (dns.Resolver, error)

	slots chan struct{}
	free  chan dns.Resolver

	mu     sync.Mutex
	closed bool
}

func New(cfg Config) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	newResolver := cfg.New
	if newResolver == nil {
		newResolver = func() (dns.Resolver, error) {
			return dns.NewExtResolverTimeout(cfg.Timeout, cfg.Attempts)
		}
	}

	return &Pool{
		newResolver: newResolver,
		slots:       make(chan struct{}, cfg.Size),
		free:        make(chan dns.Resolver, cfg.Size),
	}
}

// Acquire borrows a resolver, blocking while all slots are taken. The
// returned lease must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-p.free:
		return &Lease{r: r, pool: p}, nil
	default:
	}

	r, err := p.newResolver()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return &Lease{r: r, pool: p}, nil
}

// Close throws away all idle resolvers and fails subsequent Acquire
// calls. Borrowed resolvers are disposed of when their lease is
// released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case r := <-p.free:
			closeResolver(r)
		default:
			return
		}
	}
}

func (p *Pool) put(r dns.Resolver, broken bool) {
	p.mu.Lock()
	if broken || p.closed {
		closeResolver(r)
	} else {
		p.free <- r
	}
	p.mu.Unlock()

	<-p.slots
}

func closeResolver(r dns.Resolver) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}

// Lease is a borrowed resolver. It implements dns.Resolver, watching
// the results: a transport-level lookup failure marks the underlying
// resolver as broken so that Release destroys it instead of returning
// it to the pool.
type Lease struct {
	r      dns.Resolver
	pool   *Pool
	broken uint32
}

// Release returns the slot to the pool. Double release is a no-op.
func (l *Lease) Release() {
	if l.pool == nil {
		return
	}
	p := l.pool
	l.pool = nil
	p.put(l.r, atomic.LoadUint32(&l.broken) == 1)
}

func (l *Lease) note(err error) {
	if transportFailure(err) {
		atomic.StoreUint32(&l.broken, 1)
	}
}

func (l *Lease) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	names, err := l.r.LookupAddr(ctx, addr)
	l.note(err)
	return names, err
}

func (l *Lease) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := l.r.LookupHost(ctx, host)
	l.note(err)
	return addrs, err
}

func (l *Lease) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	mxs, err := l.r.LookupMX(ctx, name)
	l.note(err)
	return mxs, err
}

func (l *Lease) LookupTXT(ctx context.Context, name string) ([]string, error) {
	recs, err := l.r.LookupTXT(ctx, name)
	l.note(err)
	return recs, err
}

func (l *Lease) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	addrs, err := l.r.LookupIPAddr(ctx, host)
	l.note(err)
	return addrs, err
}

// transportFailure tells whether err indicates the resolver itself is
// no good as opposed to the DNS zone giving an unhelpful answer.
//
// NXDOMAIN, empty answers and non-NOERROR rcodes are answers. I/O
// errors (refused connections, timeouts) are not.
func transportFailure(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	var rcodeErr dns.RCodeError
	if errors.As(err, &rcodeErr) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
