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

package dmarc

import (
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/internal/psl"
)

// EvalResult is the outcome of the alignment check together with the
// trace information that went into it.
type EvalResult struct {
	// The Authentication-Results field generated as a result of the
	// DMARC check.
	Authres authres.DMARCResult

	// The SPF result that was considered during the alignment check.
	// May be empty when SPF did not run.
	SPFResult  authres.SPFResult
	SPFAligned bool

	// The result for the aligned DKIM signature. If no signature is
	// aligned - the result for the first signature, for reference.
	// May be empty when DKIM did not run.
	DKIMResult  authres.DKIMResult
	DKIMAligned bool
}

// EvaluateAlignment checks whether the identifiers authenticated by SPF
// and DKIM are in alignment with the RFC5322.From domain (RFC 7489,
// Section 3.1).
//
// Both mechanisms are checked in strict mode first; the relaxed
// organizational-domain comparison runs only when the record asks for
// relaxed alignment. results carries whatever SPF and DKIM evaluations
// produced for this message; mechanisms that did not run simply cannot
// contribute an aligned identifier.
func EvaluateAlignment(ix *psl.Index, fromDomain string, record *Record, results []authres.Result) EvalResult {
	var (
		res          EvalResult
		anyMechanism bool
		dkimTempFail bool
		spfTempFail  bool
	)
	for _, r := range results {
		switch r := r.(type) {
		case *authres.DKIMResult:
			anyMechanism = true
			if res.DKIMResult.Value == "" {
				res.DKIMResult = *r
			}
			if !isAligned(ix, fromDomain, r.Domain, record.DKIMAlignment) {
				continue
			}
			res.DKIMResult = *r
			switch r.Value {
			case authres.ResultPass:
				res.DKIMAligned = true
			case authres.ResultTempError:
				dkimTempFail = true
			}
		case *authres.SPFResult:
			anyMechanism = true
			res.SPFResult = *r
			// RFC 7489 requires the MAIL FROM identity; the HELO
			// identity stands in for a null reverse-path.
			checked := r.From
			if checked == "" {
				checked = r.Helo
			}
			if !isAligned(ix, fromDomain, checked, record.SPFAlignment) {
				continue
			}
			switch r.Value {
			case authres.ResultPass:
				res.SPFAligned = true
			case authres.ResultTempError:
				spfTempFail = true
			}
		}
	}

	res.Authres.From = fromDomain
	switch {
	case !anyMechanism:
		res.Authres.Value = authres.ResultNone
		res.Authres.Reason = "no authentication mechanisms ran"
	case res.DKIMAligned || res.SPFAligned:
		res.Authres.Value = authres.ResultPass
	case dkimTempFail || spfTempFail:
		// An aligned identifier may be hiding behind the DNS failure;
		// neither pass nor fail can be claimed.
		res.Authres.Value = authres.ResultTempError
		res.Authres.Reason = "aligned identifier check incomplete"
	default:
		res.Authres.Value = authres.ResultFail
		res.Authres.Reason = "no aligned identifiers"
	}
	return res
}

func isAligned(ix *psl.Index, fromDomain, authDomain string, mode AlignmentMode) bool {
	if authDomain == "" {
		return false
	}
	if dns.Equal(fromDomain, authDomain) {
		return true
	}
	if mode == AlignmentStrict {
		return false
	}

	fromOrg := ix.OrganizationalDomain(fromDomain)
	authOrg := ix.OrganizationalDomain(authDomain)
	return fromOrg != "" && dns.Equal(fromOrg, authOrg)
}
