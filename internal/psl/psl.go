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

// Package psl implements the Public Suffix List lookup needed for DMARC
// organizational domain discovery.
//
// The list is loaded once from publicsuffix.org's dat file into a tree
// keyed by reversed domain labels. The index is immutable after Load so
// lookups from concurrent sessions take no locks. DMARC relaxed
// alignment and the org-domain fallback record query are the only
// consumers.
package psl

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/framework/log"
)

type ruleKind uint8

const (
	ruleNone ruleKind = iota
	ruleNormal
	ruleException
)

type node struct {
	children map[string]*node
	kind     ruleKind
}

func (n *node) child(label string) *node {
	c := n.children[label]
	if c == nil {
		c = &node{children: map[string]*node{}}
		n.children[label] = c
	}
	return c
}

// Index is a loaded Public Suffix List.
type Index struct {
	root  node
	rules int
}

// Load reads the Public Suffix List in its publicsuffix.org/list format:
// one rule per line, `//` comments, `!` exceptions, `*` wildcard labels,
// U-labels for IDN suffixes. Both ICANN and private sections are used,
// matching the usual interpretation of RFC 7489 Section 3.2.
//
// Malformed and duplicate rules are dropped with a log notice instead of
// failing the load, so a slightly stale or hand-edited list stays usable.
func Load(r io.Reader) (*Index, error) {
	ix := &Index{root: node{children: map[string]*node{}}}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		// Each line is only read up to the first whitespace.
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			line = line[:i]
		}

		kind := ruleNormal
		rule := line
		if strings.HasPrefix(rule, "!") {
			kind = ruleException
			rule = rule[1:]
		}

		labels := ruleLabels(rule)
		if labels == nil {
			log.DefaultLogger.Msg("ignoring malformed public suffix rule",
				"rule", line, "line", lineNum)
			continue
		}

		n := &ix.root
		for i := len(labels) - 1; i >= 0; i-- {
			n = n.child(labels[i])
		}
		if n.kind != ruleNone {
			log.DefaultLogger.DebugMsg("ignoring duplicate public suffix rule",
				"rule", line, "line", lineNum)
			continue
		}
		n.kind = kind
		ix.rules++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ix, nil
}

func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func ruleLabels(rule string) []string {
	rule = strings.TrimSuffix(rule, ".")
	if rule == "" {
		return nil
	}

	// Suffixes are listed as U-labels; queried domains may come in
	// either form. ForLookup maps both to the same representation.
	mapped, err := dns.ForLookup(rule)
	if err != nil {
		return nil
	}

	labels := strings.Split(mapped, ".")
	for _, l := range labels {
		if l == "" {
			return nil
		}
	}
	return labels
}

// Rules returns the number of suffix rules loaded.
func (ix *Index) Rules() int {
	return ix.rules
}

type match struct {
	kind   ruleKind
	labels int
}

func (m match) betterThan(other match) bool {
	if m.kind == ruleException {
		return other.kind != ruleException
	}
	if other.kind == ruleException {
		return false
	}
	return m.labels > other.labels
}

func find(n *node, rev []string, depth int, best *match) {
	if n.kind != ruleNone {
		cand := match{kind: n.kind, labels: depth}
		if cand.betterThan(*best) {
			*best = cand
		}
	}
	if len(rev) == 0 {
		return
	}
	if c := n.children[rev[0]]; c != nil {
		find(c, rev[1:], depth+1, best)
	}
	if c := n.children["*"]; c != nil {
		find(c, rev[1:], depth+1, best)
	}
}

// OrganizationalDomain returns the registrable ("organizational") domain
// of domain: the public suffix found in the index plus one label. The
// label form of the input (A-label vs U-label) is preserved in the
// result, the case is folded.
//
// The empty string is returned when there is no organizational domain:
// the input is itself a public suffix, a single label, or not a valid
// domain name at all.
func (ix *Index) OrganizationalDomain(domain string) string {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return ""
	}

	mapped, _ := dns.ForLookup(domain)
	lookup := strings.Split(mapped, ".")
	original := strings.Split(strings.ToLower(domain), ".")
	if len(lookup) != len(original) {
		// ForLookup never changes the label count for anything
		// resembling a domain; bail out if it somehow did.
		original = lookup
	}
	for _, l := range lookup {
		if l == "" {
			return ""
		}
	}

	rev := make([]string, len(lookup))
	for i, l := range lookup {
		rev[len(lookup)-1-i] = l
	}

	// No rule matching is the same as matching the implicit "*" rule.
	best := match{kind: ruleNormal, labels: 1}
	find(&ix.root, rev, 0, &best)

	suffixLen := best.labels
	if best.kind == ruleException {
		// The exception rule itself names the registrable domain.
		suffixLen--
	}

	orgLen := suffixLen + 1
	if len(original) < orgLen {
		return ""
	}
	return strings.Join(original[len(original)-orgLen:], ".")
}
