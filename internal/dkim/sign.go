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
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// SignOptions describes the signature to produce.
type SignOptions struct {
	Domain   string // d=
	Selector string // s=
	AUID     string // i=, optional

	// Headers lists the field names to sign, From must be among them.
	Headers []string

	// Algorithm is the a= value, rsa-sha256 when empty.
	Algorithm string

	HeaderCanon Canon // simple when empty
	BodyCanon   Canon // simple when empty

	BodyLimit  int64 // l=, set -1 or 0 to omit
	Timestamp  int64 // t=, unix seconds, 0 to omit
	Expiration int64 // x=, unix seconds, 0 to omit
}

// Sign computes a DKIM-Signature field over the given headers and raw
// body. The returned header is in milter form: no whitespace after the
// colon in the value. The counterpart of the Verifier, kept small; the
// daemon itself never signs, but round-tripping through Sign keeps the
// canonicalization and hashing honest.
func Sign(opts SignOptions, key crypto.Signer, headers []Header, body []byte) (Header, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = "rsa-sha256"
	}
	if opts.HeaderCanon == "" {
		opts.HeaderCanon = CanonSimple
	}
	if opts.BodyCanon == "" {
		opts.BodyCanon = CanonSimple
	}

	sig := &Signature{
		rawName:     "DKIM-Signature",
		Algorithm:   opts.Algorithm,
		HeaderCanon: opts.HeaderCanon,
		BodyCanon:   opts.BodyCanon,
		SDID:        opts.Domain,
		Selector:    opts.Selector,
		AUID:        opts.AUID,
		headerNames: opts.Headers,
		BodyLimit:   -1,
	}
	switch opts.Algorithm {
	case "rsa-sha1":
		sig.keyAlgo, sig.hash = "rsa", crypto.SHA1
	case "rsa-sha256":
		sig.keyAlgo, sig.hash = "rsa", crypto.SHA256
	case "ed25519-sha256":
		sig.keyAlgo, sig.hash = "ed25519", crypto.SHA256
	default:
		return Header{}, fmt.Errorf("dkim: unsupported algorithm: %v", opts.Algorithm)
	}
	if opts.BodyLimit > 0 {
		sig.BodyLimit = opts.BodyLimit
	}

	var sigOpts crypto.SignerOpts
	switch key.(type) {
	case *rsa.PrivateKey:
		if sig.keyAlgo != "rsa" {
			return Header{}, fmt.Errorf("dkim: a= does not match the key type")
		}
		sigOpts = sig.hash
	case ed25519.PrivateKey:
		if sig.keyAlgo != "ed25519" {
			return Header{}, fmt.Errorf("dkim: a= does not match the key type")
		}
		// RFC 8463: PureEdDSA over the header hash.
		sigOpts = crypto.Hash(0)
	default:
		return Header{}, fmt.Errorf("dkim: unsupported private key type: %T", key)
	}

	dig := newDigester(sig)
	dig.writeBody(body)
	bodySum := dig.bodyHash()
	if dig.shortBody() {
		return Header{}, fmt.Errorf("dkim: body is shorter than the l= tag")
	}

	var b strings.Builder
	b.WriteString("v=1; a=" + sig.Algorithm)
	b.WriteString("; c=" + string(sig.HeaderCanon) + "/" + string(sig.BodyCanon))
	b.WriteString("; d=" + sig.SDID + "; s=" + sig.Selector)
	if sig.AUID != "" {
		b.WriteString("; i=" + sig.AUID)
	}
	if opts.Timestamp != 0 {
		b.WriteString("; t=" + strconv.FormatInt(opts.Timestamp, 10))
	}
	if opts.Expiration != 0 {
		b.WriteString("; x=" + strconv.FormatInt(opts.Expiration, 10))
	}
	if sig.BodyLimit >= 0 {
		b.WriteString("; l=" + strconv.FormatInt(sig.BodyLimit, 10))
	}
	b.WriteString("; h=" + strings.Join(sig.headerNames, ":"))
	b.WriteString("; bh=" + base64.StdEncoding.EncodeToString(bodySum))
	b.WriteString("; b=")
	sig.rawValue = b.String()

	hashed := dig.headerHash(selectSigned(headers, -1, sig.headerNames), false)
	raw, err := key.Sign(rand.Reader, hashed, sigOpts)
	if err != nil {
		return Header{}, err
	}

	b.WriteString(base64.StdEncoding.EncodeToString(raw))
	return Header{Name: "DKIM-Signature", Value: b.String()}, nil
}
