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
	"crypto"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/framework/exterrors"
)

// atpsEncoding is base32 without padding: a 20-byte SHA-1 digest is
// exactly 32 characters and a SHA-256 one is 52, both valid DNS labels.
var atpsEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func atpsLabel(sdid string, hash crypto.Hash) string {
	h := hash.New()
	h.Write([]byte(strings.ToLower(sdid)))
	return atpsEncoding.EncodeToString(h.Sum(nil))
}

// CheckATPS looks for an Authorized Third-Party Signature for the
// author domain (RFC 6541): a passing signature whose SDID is not the
// author domain scores pass if the author has published a delegation
// record for that SDID at base32(hash(sdid))._atps.<author>. Returns
// the result and the delegated SDID on pass. Only valid after Verify.
//
// hash selects the label digest, sha1 in the RFC but sha256 deployments
// exist.
func (v *Verifier) CheckATPS(ctx context.Context, resolver dns.Resolver, author string, hash crypto.Hash) (authres.ResultValue, string) {
	var candidates []string
	for _, fr := range v.frames {
		if fr.result.Value != authres.ResultPass || dns.Equal(fr.result.SDID, author) {
			continue
		}
		candidates = append(candidates, fr.result.SDID)
	}
	if len(candidates) == 0 {
		return authres.ResultNone, ""
	}

	var sawTemp, sawPerm bool
	for _, sdid := range candidates {
		delegated, err := v.queryATPS(ctx, resolver, author, sdid, hash)
		if err != nil {
			v.log.Error("ATPS lookup failed", err,
				"author", author, "sdid", sdid)
			if exterrors.IsTemporaryOrUnspec(err) {
				sawTemp = true
			} else {
				sawPerm = true
			}
			continue
		}
		if delegated {
			return authres.ResultPass, sdid
		}
	}
	switch {
	case sawTemp:
		return authres.ResultTempError, ""
	case sawPerm:
		return authres.ResultPermError, ""
	}
	return authres.ResultFail, ""
}

func (v *Verifier) queryATPS(ctx context.Context, resolver dns.Resolver, author, sdid string, hash crypto.Hash) (bool, error) {
	name := atpsLabel(sdid, hash) + "._atps." + author

	txts, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	for _, txt := range txts {
		match, err := parseATPSRecord(txt, sdid)
		if err != nil {
			v.log.DebugMsg("unusable ATPS record skipped",
				"name", name, "reason", err)
			continue
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// parseATPSRecord checks a v=ATPS1 record and, when the record names
// the delegate via d=, that it names the expected one.
func parseATPSRecord(txt, sdid string) (bool, error) {
	match := true
	err := parseTagList(txt, false, []tagSpec{
		{name: "v", required: true, handler: func(v string, ordinal int) error {
			if ordinal != 0 {
				return fmt.Errorf("dkim: v= tag must come first in an ATPS record")
			}
			if v != "ATPS1" {
				return fmt.Errorf("dkim: unsupported ATPS record version: %v", v)
			}
			return nil
		}},
		{name: "d", handler: func(v string, _ int) error {
			match = dns.Equal(v, sdid)
			return nil
		}},
	})
	if err != nil {
		return false, err
	}
	return match, nil
}
