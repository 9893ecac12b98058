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

// Package stats keeps the per-mechanism result counters behind the
// SHOW-COUNTER/RESET-COUNTER control commands and exposes the same grid
// as a prometheus collector.
package stats

import (
	"sort"
	"sync"

	"github.com/emersion/go-msgauth/authres"
	"github.com/prometheus/client_golang/prometheus"
)

// Authentication method names used as grid rows, in report order.
const (
	MethodSPF      = "spf"
	MethodSenderID = "sender-id"
	MethodDKIM     = "dkim"
	MethodADSP     = "dkim-adsp"
	MethodATPS     = "dkim-atps"
	MethodDMARC    = "dmarc"
)

// Methods lists the grid rows in the order mechanisms are evaluated,
// which is also the order SHOW-COUNTER reports them in.
var Methods = []string{
	MethodSPF, MethodSenderID, MethodDKIM, MethodADSP, MethodATPS, MethodDMARC,
}

// Snapshot is a frozen copy of the grid: method name to score name to
// count. Score names within a method are whatever result values were
// actually recorded.
type Snapshot map[string]map[string]uint64

// Scores returns the score names recorded for a method, sorted, so
// report output is deterministic.
func (s Snapshot) Scores(method string) []string {
	scores := make([]string, 0, len(s[method]))
	for score := range s[method] {
		scores = append(scores, score)
	}
	sort.Strings(scores)
	return scores
}

// Grid is the mutable counter matrix. The zero value is not usable,
// construct with New. All methods are safe for concurrent use; a
// snapshot (with or without reset) observes a single consistent state.
type Grid struct {
	mu    sync.Mutex
	cells map[string]map[string]uint64

	desc *prometheus.Desc
}

func New() *Grid {
	g := &Grid{
		cells: make(map[string]map[string]uint64, len(Methods)),
		desc: prometheus.NewDesc(
			"minos_auth_results_total",
			"Authentication results recorded, by mechanism and result value.",
			[]string{"method", "result"}, nil),
	}
	for _, method := range Methods {
		g.cells[method] = make(map[string]uint64)
	}
	return g
}

// Inc records one result for a method. Unknown method names get their
// own row rather than being dropped, SHOW-COUNTER just will not order
// them first.
func (g *Grid) Inc(method string, score authres.ResultValue) {
	g.mu.Lock()
	defer g.mu.Unlock()

	row := g.cells[method]
	if row == nil {
		row = make(map[string]uint64)
		g.cells[method] = row
	}
	row[string(score)]++
}

// Snapshot returns a copy of the current counters.
func (g *Grid) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.copyLocked()
}

// Reset zeroes the grid and returns the counters as they stood right
// before, in one step: no increment is ever missing from both the
// returned snapshot and the restarted grid.
func (g *Grid) Reset() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.copyLocked()
	for _, row := range g.cells {
		for score := range row {
			delete(row, score)
		}
	}
	return snap
}

func (g *Grid) copyLocked() Snapshot {
	snap := make(Snapshot, len(g.cells))
	for method, row := range g.cells {
		copied := make(map[string]uint64, len(row))
		for score, n := range row {
			copied[score] = n
		}
		snap[method] = copied
	}
	return snap
}

// Describe implements prometheus.Collector.
func (g *Grid) Describe(ch chan<- *prometheus.Desc) {
	ch <- g.desc
}

// Collect implements prometheus.Collector.
func (g *Grid) Collect(ch chan<- prometheus.Metric) {
	for method, row := range g.Snapshot() {
		for score, n := range row {
			ch <- prometheus.MustNewConstMetric(g.desc,
				prometheus.CounterValue, float64(n), method, score)
		}
	}
}
