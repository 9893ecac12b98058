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
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"hash"
	"io"

	// crypto.Hash.New needs the implementations linked in.
	_ "crypto/sha1"
	_ "crypto/sha256"
)

// truncateWriter passes through the first n octets and drops the rest,
// reporting the full length so the upstream canonicalizer keeps
// counting. Used to implement the l= body length limit: the body is
// canonicalized in full and the hash sees exactly n octets of it.
type truncateWriter struct {
	w io.Writer
	n int64
}

func (tw *truncateWriter) Write(p []byte) (int, error) {
	if tw.n <= 0 {
		return len(p), nil
	}
	pass := p
	if int64(len(pass)) > tw.n {
		pass = pass[:tw.n]
	}
	if _, err := tw.w.Write(pass); err != nil {
		return 0, err
	}
	tw.n -= int64(len(pass))
	return len(p), nil
}

// digester carries the streaming body hash for one signature frame and
// later computes the header hash over the selected header set.
type digester struct {
	sig *Signature

	bodyHasher hash.Hash
	canon      *bodyCanonicalizer

	bodySum []byte
}

func newDigester(sig *Signature) *digester {
	d := &digester{sig: sig, bodyHasher: sig.hash.New()}

	var sink io.Writer = d.bodyHasher
	if sig.BodyLimit >= 0 {
		sink = &truncateWriter{w: sink, n: sig.BodyLimit}
	}
	d.canon = newBodyCanonicalizer(sink, sig.BodyCanon)
	return d
}

func (d *digester) writeBody(p []byte) {
	// The sink is a hash context, it cannot fail.
	d.canon.Write(p) //nolint:errcheck
}

// bodyHash settles the canonicalizer and returns the final body hash.
// Idempotent, the first call closes the stream.
func (d *digester) bodyHash() []byte {
	if d.bodySum == nil {
		d.canon.Close() //nolint:errcheck
		d.bodySum = d.bodyHasher.Sum(nil)
	}
	return d.bodySum
}

// shortBody reports whether the canonicalized body turned out shorter
// than the l= tag declared it to be. Only meaningful after bodyHash.
func (d *digester) shortBody() bool {
	return d.sig.BodyLimit >= 0 && d.canon.wrote < d.sig.BodyLimit
}

// headerHash hashes the already-selected signed headers top element
// first, then the DKIM-Signature header itself with the b= value
// elided and no trailing CRLF (RFC 6376, Section 3.7).
func (d *digester) headerHash(headers []Header, keepLeadingSpace bool) []byte {
	h := d.sig.hash.New()
	for _, hdr := range headers {
		h.Write(d.sig.HeaderCanon.header(hdr.Name, hdr.Value, true, keepLeadingSpace))
	}
	h.Write(d.sig.HeaderCanon.header(d.sig.rawName, elideSigValue(d.sig.rawValue), false, keepLeadingSpace))
	return h.Sum(nil)
}

// verifySig checks the b= value against the header hash.
func (d *digester) verifySig(key crypto.PublicKey, hashed []byte) error {
	switch pk := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pk, d.sig.hash, hashed, d.sig.value)
	case ed25519.PublicKey:
		// RFC 8463: PureEdDSA over the SHA-256 header hash.
		if !ed25519.Verify(pk, hashed, d.sig.value) {
			return fmt.Errorf("dkim: invalid Ed25519 signature")
		}
		return nil
	default:
		return fmt.Errorf("dkim: unsupported public key type: %T", key)
	}
}
