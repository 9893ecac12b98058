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

package dnspool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/minos/framework/dns"
)

type fakeResolver struct {
	txtErr error
	closed bool
}

func (f *fakeResolver) LookupAddr(_ context.Context, _ string) ([]string, error) { return nil, nil }
func (f *fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) { return nil, nil }
func (f *fakeResolver) LookupMX(_ context.Context, _ string) ([]*net.MX, error)  { return nil, nil }
func (f *fakeResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return nil, nil
}

func (f *fakeResolver) LookupTXT(_ context.Context, _ string) ([]string, error) {
	return nil, f.txtErr
}

func (f *fakeResolver) Close() error {
	f.closed = true
	return nil
}

func testPool(size int) (*Pool, *[]*fakeResolver) {
	made := []*fakeResolver{}
	p := New(Config{
		Size: size,
		New: func() (dns.Resolver, error) {
			r := &fakeResolver{}
			made = append(made, r)
			return r, nil
		},
	})
	return p, &made
}

func TestPool_Reuse(t *testing.T) {
	p, made := testPool(2)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()

	l, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()

	if len(*made) != 1 {
		t.Fatal("resolvers constructed:", len(*made), "expected: 1")
	}
}

func TestPool_Bounded(t *testing.T) {
	p, _ := testPool(1)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatal("Acquire on a full pool:", err)
	}

	l.Release()
	l, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
}

func TestPool_BrokenDiscarded(t *testing.T) {
	p, made := testPool(1)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	(*made)[0].txtErr = &net.OpError{Op: "read", Net: "udp", Err: context.DeadlineExceeded}

	if _, err := l.LookupTXT(context.Background(), "example.org"); err == nil {
		t.Fatal("expected lookup error")
	}
	l.Release()

	if !(*made)[0].closed {
		t.Error("broken resolver not closed")
	}

	l, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
	if len(*made) != 2 {
		t.Fatal("resolvers constructed:", len(*made), "expected: 2")
	}
}

func TestPool_NxdomainIsFine(t *testing.T) {
	p, made := testPool(1)
	defer p.Close()

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	(*made)[0].txtErr = &net.DNSError{Err: "no such host", Name: "example.org", IsNotFound: true}

	if _, err := l.LookupTXT(context.Background(), "example.org"); err == nil {
		t.Fatal("expected lookup error")
	}
	l.Release()

	l, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
	if len(*made) != 1 {
		t.Fatal("resolvers constructed:", len(*made), "expected: 1")
	}
}

func TestPool_Close(t *testing.T) {
	p, made := testPool(2)

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l1.Release()

	p.Close()

	// Idle resolver is closed right away, the borrowed one on release.
	if !(*made)[0].closed {
		t.Error("idle resolver not closed")
	}
	l2.Release()
	if !(*made)[1].closed {
		t.Error("borrowed resolver not closed on release")
	}

	if _, err := p.Acquire(context.Background()); err != ErrClosed {
		t.Fatal("Acquire after Close:", err)
	}
}

func TestPool_ConstructError(t *testing.T) {
	errConstruct := &net.OpError{Op: "dial", Net: "udp", Err: context.DeadlineExceeded}
	fail := true
	p := New(Config{
		Size: 1,
		New: func() (dns.Resolver, error) {
			if fail {
				return nil, errConstruct
			}
			return &fakeResolver{}, nil
		},
	})
	defer p.Close()

	if _, err := p.Acquire(context.Background()); err != errConstruct {
		t.Fatal("Acquire:", err)
	}

	// The failed construction must not eat the slot.
	fail = false
	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
}
