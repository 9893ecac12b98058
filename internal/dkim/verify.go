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

// Package dkim implements streaming DKIM verification (RFC 6376, with
// RFC 8463 Ed25519 signatures and RFC 8301 key length requirements)
// plus the two author-domain policy mechanisms layered on top of it,
// ADSP (RFC 5617) and ATPS (RFC 6541).
//
// The package is built around the milter data flow: headers are known
// in full before any body byte arrives, the body streams in arbitrary
// chunks and DNS is only touched once at the end. A Verifier is
// constructed from the stored header block, absorbs the body via
// WriteBody and performs all lookups and signature checks in Verify.
package dkim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/framework/exterrors"
	"github.com/foxcpp/minos/framework/log"
)

// ErrNoSignatures is reported by NewVerifier when the message carries
// no DKIM-Signature fields at all. Callers report dkim=none then.
var ErrNoSignatures = errors.New("dkim: no signature fields")

// VerifyPolicy is the configurable part of signature validation.
type VerifyPolicy struct {
	// MaxSignatures limits how many DKIM-Signature fields are
	// evaluated. Fields past the limit are ignored. 0 means no limit.
	MaxSignatures int

	// MinRSABits rejects RSA keys shorter than this (RFC 8301
	// mandates 1024). 0 disables the check.
	MinRSABits int

	// ClockSkew is the tolerance applied to t= and x= comparisons.
	ClockSkew time.Duration

	AcceptExpired bool
	AcceptFuture  bool
}

// Header is one stored header field, value bytes exactly as the MTA
// delivered them (folding preserved).
type Header struct {
	Name  string
	Value string
}

// FrameResult is the outcome for one DKIM-Signature field.
type FrameResult struct {
	Value  authres.ResultValue
	Reason string

	SDID     string
	AUID     string
	Selector string

	// Testing is set when the key record carries t=y. The result
	// value is unaffected (RFC 6376, Section 6.3).
	Testing bool
	KeyBits int
}

type frame struct {
	index int // position in the stored header block
	sig   *Signature
	dig   *digester

	result FrameResult
	done   bool
}

// Verifier checks all DKIM-Signature fields of one message.
//
// No resolver is retained: the DNS-using operations take one as an
// argument, so the caller can borrow it from a pool for exactly the
// end-of-message evaluation and nothing longer.
type Verifier struct {
	policy VerifyPolicy
	log    log.Logger

	headers          []Header
	keepLeadingSpace bool

	frames  []*frame
	skipped int
}

// NewVerifier parses all DKIM-Signature fields in headers. Fields that
// do not parse or fail the no-DNS sanity checks get a permerror result
// recorded up front; they do not prevent other fields from being
// verified. ErrNoSignatures is returned when there is nothing to
// verify; the verifier is usable for the policy checks regardless.
//
// keepLeadingSpace tells whether header values include the whitespace
// that followed the colon on the wire. Milter strips it unless the
// HDR_LEADSPC feature was negotiated, and simple canonicalization
// needs to know which form it gets.
func NewVerifier(policy VerifyPolicy, logger log.Logger, headers []Header, keepLeadingSpace bool) (*Verifier, error) {
	v := &Verifier{
		policy:           policy,
		log:              logger,
		headers:          headers,
		keepLeadingSpace: keepLeadingSpace,
	}

	now := time.Now()
	for i, hdr := range headers {
		if !strings.EqualFold(hdr.Name, "DKIM-Signature") {
			continue
		}
		if policy.MaxSignatures > 0 && len(v.frames) >= policy.MaxSignatures {
			v.skipped++
			continue
		}

		fr := &frame{index: i}
		sig, err := parseSignature(hdr.Name, hdr.Value)
		if err == nil {
			err = sig.sanity(policy, now)
		}
		if err != nil {
			fr.result = FrameResult{
				Value:  authres.ResultPermError,
				Reason: reason(err),
			}
			fr.done = true
			if sig != nil {
				fr.result.SDID = sig.SDID
				fr.result.AUID = sig.AUID
				fr.result.Selector = sig.Selector
			}
		} else {
			fr.sig = sig
			fr.dig = newDigester(sig)
		}
		v.frames = append(v.frames, fr)
	}
	if v.skipped > 0 {
		v.log.Msg("too many signatures, surplus ignored",
			"evaluated", len(v.frames), "ignored", v.skipped)
	}
	if len(v.frames) == 0 {
		// The verifier is still returned: ADSP evaluation is meaningful
		// (and most interesting) exactly when nothing is signed.
		return v, ErrNoSignatures
	}

	return v, nil
}

// WriteBody streams one chunk of the raw message body into the
// per-frame digesters. Chunk boundaries are arbitrary. Must not be
// called after Verify.
func (v *Verifier) WriteBody(p []byte) {
	for _, fr := range v.frames {
		if !fr.done {
			fr.dig.writeBody(p)
		}
	}
}

// Verify fetches the key records and settles the result of every
// frame. DNS failures affect only the frame whose lookup failed.
func (v *Verifier) Verify(ctx context.Context, resolver dns.Resolver) {
	for _, fr := range v.frames {
		if !fr.done {
			fr.result = v.verifyFrame(ctx, resolver, fr)
			fr.done = true
		}
	}
}

func (v *Verifier) verifyFrame(ctx context.Context, resolver dns.Resolver, fr *frame) FrameResult {
	sig := fr.sig
	res := FrameResult{SDID: sig.SDID, AUID: sig.AUID, Selector: sig.Selector}
	fail := func(value authres.ResultValue, reason string) FrameResult {
		res.Value = value
		res.Reason = reason
		return res
	}

	rec, err := v.fetchKey(ctx, resolver, sig)
	if err != nil {
		if errors.Is(err, errMultipleKeys) {
			return fail(authres.ResultPermError, "multiple key records")
		}
		v.log.Error("key lookup failed", err,
			"domain", sig.SDID, "selector", sig.Selector)
		if exterrors.IsTemporaryOrUnspec(err) {
			return fail(authres.ResultTempError, "key unavailable")
		}
		return fail(authres.ResultPermError, "key unavailable")
	}
	if rec == nil {
		return fail(authres.ResultPermError, "no key for signature")
	}
	if rec.revoked {
		return fail(authres.ResultPermError, "key revoked")
	}

	res.Testing = rec.testing
	res.KeyBits = rec.bits

	if !rec.acceptsHash(sig.hash) {
		return fail(authres.ResultPermError, "inappropriate hash algorithm")
	}
	if rec.keyType != sig.keyAlgo {
		return fail(authres.ResultPermError, "inappropriate key algorithm")
	}
	if !rec.acceptsEmail() {
		return fail(authres.ResultPermError, "unacceptable service type")
	}
	if !rec.matchesGranularity(sig.AUID) {
		return fail(authres.ResultPermError, "identity granularity mismatch")
	}
	if rec.noSubdomains && !dns.Equal(sig.auidDomain(), sig.SDID) {
		return fail(authres.ResultPermError, "subdomain identity not allowed")
	}
	if rec.keyType == "rsa" && v.policy.MinRSABits > 0 && rec.bits < v.policy.MinRSABits {
		return fail(authres.ResultPermError, "key too short")
	}

	bodySum := fr.dig.bodyHash()
	if fr.dig.shortBody() {
		return fail(authres.ResultPermError, "body is shorter than declared length")
	}
	if !bytes.Equal(bodySum, sig.bodyHash) {
		return fail(authres.ResultFail, "body hash did not verify")
	}

	hashed := fr.dig.headerHash(selectSigned(v.headers, fr.index, sig.headerNames), v.keepLeadingSpace)
	if err := fr.dig.verifySig(rec.key, hashed); err != nil {
		v.log.DebugMsg("crypto verification failed",
			"domain", sig.SDID, "selector", sig.Selector, "err", err)
		return fail(authres.ResultFail, "signature did not verify")
	}

	res.Value = authres.ResultPass
	return res
}

// selectSigned resolves an h= list into concrete header instances.
// Each listed name consumes the bottom-most instance of that field not
// consumed yet, so a name repeated in h= signs multiple instances
// bottom-up (RFC 6376, Section 5.4.2). Names with no instance left
// contribute nothing. exclude is the index of the DKIM-Signature field
// being verified, which never takes part in the selection, or -1 when
// signing.
func selectSigned(headers []Header, exclude int, names []string) []Header {
	used := make([]bool, len(headers))
	if exclude >= 0 {
		used[exclude] = true
	}

	selected := make([]Header, 0, len(names))
	for _, name := range names {
		for i := len(headers) - 1; i >= 0; i-- {
			if used[i] || !strings.EqualFold(headers[i].Name, name) {
				continue
			}
			used[i] = true
			selected = append(selected, headers[i])
			break
		}
	}
	return selected
}

// FrameCount returns the number of evaluated DKIM-Signature fields.
func (v *Verifier) FrameCount() int { return len(v.frames) }

// FrameResult returns the result of the i-th frame, top of the header
// block first. Only valid after Verify.
func (v *Verifier) FrameResult(i int) FrameResult { return v.frames[i].result }

// Results returns all frame results. Only valid after Verify.
func (v *Verifier) Results() []FrameResult {
	out := make([]FrameResult, len(v.frames))
	for i, fr := range v.frames {
		out[i] = fr.result
	}
	return out
}

// reason derives the Authentication-Results reason string from an
// internal error.
func reason(err error) string {
	return strings.TrimPrefix(err.Error(), "dkim: ")
}
