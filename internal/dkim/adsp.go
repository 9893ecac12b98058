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

package dkim

import (
	"context"
	"fmt"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/framework/exterrors"
)

// Result values used by dkim-adsp on top of the common set
// (RFC 5617, Section 5.4).
const (
	ResultUnknown  = authres.ResultValue("unknown")
	ResultDiscard  = authres.ResultValue("discard")
	ResultNXDomain = authres.ResultValue("nxdomain")
)

// CheckADSP evaluates the Author Domain Signing Practices for one
// author domain (RFC 5617). A valid Author Domain Signature (a passing
// frame whose SDID is the author domain) settles the outcome as pass
// without any lookup; otherwise the published practice decides. Only
// valid after Verify.
func (v *Verifier) CheckADSP(ctx context.Context, resolver dns.Resolver, author string) authres.ResultValue {
	for _, fr := range v.frames {
		if fr.result.Value == authres.ResultPass && dns.Equal(fr.result.SDID, author) {
			return authres.ResultPass
		}
	}

	// RFC 5617, Section 4.3: confirm the author domain itself exists
	// before looking below it, so a typoed or concocted From does not
	// score "no practice published".
	if _, err := resolver.LookupMX(ctx, author); err != nil {
		if dns.IsNotFound(err) {
			return ResultNXDomain
		}
		v.log.Error("ADSP domain probe failed", err, "domain", author)
		if exterrors.IsTemporaryOrUnspec(err) {
			return authres.ResultTempError
		}
		return authres.ResultPermError
	}

	txts, err := resolver.LookupTXT(ctx, "_adsp._domainkey."+author)
	if err != nil && !dns.IsNotFound(err) {
		v.log.Error("ADSP record lookup failed", err, "domain", author)
		if exterrors.IsTemporaryOrUnspec(err) {
			return authres.ResultTempError
		}
		return authres.ResultPermError
	}

	// Records that are not in compliance are ignored, the first
	// usable one wins.
	practice := ""
	for _, txt := range txts {
		p, err := parseADSPRecord(txt)
		if err != nil {
			v.log.DebugMsg("unusable ADSP record skipped",
				"domain", author, "reason", err)
			continue
		}
		practice = p
		break
	}

	switch practice {
	case "all":
		return authres.ResultFail
	case "discardable":
		return ResultDiscard
	case "unknown":
		return ResultUnknown
	}
	return authres.ResultNone
}

func parseADSPRecord(txt string) (string, error) {
	practice := ""
	err := parseTagList(txt, false, []tagSpec{
		{name: "dkim", required: true, handler: func(v string, ordinal int) error {
			if ordinal != 0 {
				return fmt.Errorf("dkim: dkim= tag must come first in an ADSP record")
			}
			switch v {
			case "unknown", "all", "discardable":
				practice = v
			default:
				// RFC 5617, Section 4.2.1: extension values are
				// treated as unknown.
				practice = "unknown"
			}
			return nil
		}},
	})
	return practice, err
}
