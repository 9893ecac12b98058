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

// Package dmarc implements record discovery and alignment evaluation
// for DMARC (RFC 7489).
//
// The package does not do any authentication on its own: it combines
// the already-computed SPF and DKIM results with the published record
// of the RFC5322.From domain. Organizational domains are resolved
// through the Public Suffix index compiled into the authentication
// context, not a copy of the list baked into the binary.
package dmarc

import (
	"context"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/internal/psl"
)

type (
	// Resolver is the subset of dns.Resolver needed for record
	// discovery.
	Resolver interface {
		LookupTXT(context.Context, string) ([]string, error)
	}

	Record        = dmarc.Record
	Policy        = dmarc.Policy
	AlignmentMode = dmarc.AlignmentMode
)

const (
	PolicyNone       = dmarc.PolicyNone
	PolicyQuarantine = dmarc.PolicyQuarantine
	PolicyReject     = dmarc.PolicyReject

	AlignmentStrict  = dmarc.AlignmentStrict
	AlignmentRelaxed = dmarc.AlignmentRelaxed
)

// FetchRecord looks up the DMARC record relevant for the RFC5322.From
// domain: _dmarc.<domain> first, then _dmarc.<orgDomain> when the
// domain is not organizational itself (RFC 7489, Section 6.6.3).
//
// policyDomain is the domain the record was found at, which may differ
// from fromDomain. A nil record with a nil error means no usable record
// is published (including the "multiple records" case, which RFC 7489
// treats the same).
func FetchRecord(ctx context.Context, r Resolver, ix *psl.Index, fromDomain string) (policyDomain string, rec *Record, err error) {
	policyDomain = fromDomain

	txts, err := r.LookupTXT(ctx, "_dmarc."+fromDomain)
	if err != nil && !dns.IsNotFound(err) {
		return "", nil, err
	}

	if len(filterDMARC(txts)) == 0 {
		orgDomain := ix.OrganizationalDomain(fromDomain)
		if orgDomain == "" || dns.Equal(orgDomain, fromDomain) {
			return "", nil, nil
		}
		policyDomain = orgDomain

		txts, err = r.LookupTXT(ctx, "_dmarc."+orgDomain)
		if err != nil && !dns.IsNotFound(err) {
			return "", nil, err
		}
	}

	records := filterDMARC(txts)
	if len(records) != 1 {
		return "", nil, nil
	}

	rec, err = dmarc.Parse(records[0])
	if err != nil {
		return "", nil, err
	}
	return policyDomain, rec, nil
}

func filterDMARC(txts []string) []string {
	var records []string
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	return records
}
