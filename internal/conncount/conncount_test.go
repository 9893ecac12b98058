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

package conncount

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCounter_ZeroBarrier(t *testing.T) {
	c := New()
	if !c.Add() {
		t.Fatal("Add on live counter failed")
	}
	if val := c.Value(); val != 2 {
		t.Fatalf("Value: %d, wanted 2", val)
	}

	select {
	case <-c.Zero():
		t.Fatal("barrier closed with live references")
	default:
	}

	c.Done()
	c.Done()

	select {
	case <-c.Zero():
	case <-time.After(time.Second):
		t.Fatal("barrier not closed after last Done")
	}

	if c.Add() {
		t.Fatal("Add succeeded on a drained counter")
	}
}

func TestCounter_WaitCancel(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := c.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait: %v, wanted context.DeadlineExceeded", err)
	}

	c.Done()
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after drain: %v", err)
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := New()

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		if !c.Add() {
			t.Fatal("Add failed")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			c.Done()
		}()
	}

	c.Done() // the reference held by New

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	wg.Wait()

	if val := c.Value(); val != 0 {
		t.Fatalf("Value after drain: %d", val)
	}
}
