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
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/minos/framework/dns"
)

// errMultipleKeys is returned by fetchKey when more than one usable key
// record exists and there is no way to tell which one the signer meant.
var errMultipleKeys = errors.New("dkim: multiple key records")

// keyRecord is a parsed key record from <selector>._domainkey.<sdid>
// (RFC 6376, Section 3.6.1). The g= granularity tag is honored for
// RFC 4871 compatibility even though RFC 6376 dropped it.
type keyRecord struct {
	key     crypto.PublicKey
	keyType string   // k=
	hashes  []string // h=, nil means any
	bits    int      // RSA modulus size, 256 for Ed25519

	services []string // s=

	testing      bool // t=y
	noSubdomains bool // t=s

	granularity    string // g=
	granularitySet bool

	revoked bool // empty p=
}

func parseKeyRecord(txt string) (*keyRecord, error) {
	rec := &keyRecord{keyType: "rsa"}

	var (
		keyData  []byte
		keyEmpty bool
	)
	err := parseTagList(txt, false, []tagSpec{
		{name: "v", handler: func(v string, ordinal int) error {
			if ordinal != 0 {
				return fmt.Errorf("dkim: v= tag must come first in a key record")
			}
			if v != "DKIM1" {
				return fmt.Errorf("dkim: unsupported key record version: %v", v)
			}
			return nil
		}},
		{name: "h", handler: func(v string, _ int) error {
			for _, h := range strings.Split(v, ":") {
				rec.hashes = append(rec.hashes, strings.Trim(h, " \t"))
			}
			return nil
		}},
		{name: "k", handler: func(v string, _ int) error {
			rec.keyType = v
			return nil
		}},
		{name: "p", required: true, handler: func(v string, _ int) error {
			if v == "" {
				keyEmpty = true
				return nil
			}
			b, err := decodeBase64Folded(v)
			if err != nil {
				return fmt.Errorf("dkim: undecodable p= tag")
			}
			keyData = b
			return nil
		}},
		{name: "s", handler: func(v string, _ int) error {
			for _, s := range strings.Split(v, ":") {
				rec.services = append(rec.services, strings.Trim(s, " \t"))
			}
			return nil
		}},
		{name: "t", handler: func(v string, _ int) error {
			for _, flag := range strings.Split(v, ":") {
				switch strings.Trim(flag, " \t") {
				case "y":
					rec.testing = true
				case "s":
					rec.noSubdomains = true
				}
			}
			return nil
		}},
		{name: "g", handler: func(v string, _ int) error {
			if strings.Count(v, "*") > 1 {
				return fmt.Errorf("dkim: more than one wildcard in g= tag")
			}
			rec.granularity = v
			rec.granularitySet = true
			return nil
		}},
	})
	if err != nil {
		return nil, err
	}

	if keyEmpty {
		rec.revoked = true
		return rec, nil
	}

	switch rec.keyType {
	case "rsa":
		pub, err := x509.ParsePKIXPublicKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("dkim: undecodable RSA key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("dkim: k= says rsa, key data disagrees")
		}
		rec.key = rsaPub
		rec.bits = rsaPub.N.BitLen()
	case "ed25519":
		if len(keyData) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("dkim: Ed25519 key of %d bytes", len(keyData))
		}
		rec.key = ed25519.PublicKey(keyData)
		rec.bits = 256
	default:
		return nil, fmt.Errorf("dkim: unsupported key type: %v", rec.keyType)
	}

	return rec, nil
}

// matchesGranularity applies the RFC 4871 g= predicate to the local
// part of the AUID. An absent tag matches everything, a present but
// empty one matches nothing.
func (rec *keyRecord) matchesGranularity(auid string) bool {
	if !rec.granularitySet {
		return true
	}
	if rec.granularity == "" {
		return false
	}

	local := auid
	if at := strings.LastIndexByte(auid, '@'); at >= 0 {
		local = auid[:at]
	}

	prefix, suffix, wildcard := strings.Cut(rec.granularity, "*")
	if !wildcard {
		return local == rec.granularity
	}
	return len(local) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(local, prefix) && strings.HasSuffix(local, suffix)
}

// acceptsHash tells whether the key record's h= tag (if any) covers the
// hash algorithm from the signature's a= tag.
func (rec *keyRecord) acceptsHash(hash crypto.Hash) bool {
	if rec.hashes == nil {
		return true
	}
	var name string
	switch hash {
	case crypto.SHA1:
		name = "sha1"
	case crypto.SHA256:
		name = "sha256"
	}
	for _, h := range rec.hashes {
		if h == name {
			return true
		}
	}
	return false
}

// acceptsEmail tells whether the s= service type list admits use for
// electronic mail.
func (rec *keyRecord) acceptsEmail() bool {
	if rec.services == nil {
		return true
	}
	for _, s := range rec.services {
		if s == "*" || s == "email" {
			return true
		}
	}
	return false
}

// fetchKey queries and parses the key record for a signature.
// (nil, nil) means the record does not exist. TXT records that do not
// parse are dropped with a warning; more than one usable record is an
// error because there is no way to tell which one the signer meant.
func (v *Verifier) fetchKey(ctx context.Context, resolver dns.Resolver, sig *Signature) (*keyRecord, error) {
	name := sig.Selector + "._domainkey." + sig.SDID

	txts, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var rec *keyRecord
	for _, txt := range txts {
		parsed, err := parseKeyRecord(txt)
		if err != nil {
			v.log.Msg("unusable key record skipped",
				"name", name, "reason", err)
			continue
		}
		if rec != nil {
			return nil, errMultipleKeys
		}
		rec = parsed
	}
	return rec, nil
}
