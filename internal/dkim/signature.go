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
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/minos/framework/dns"
)

// Signature is a parsed DKIM-Signature field ("frame"). The raw field
// value is kept around because the verification hash covers the field
// itself with only the b= value removed.
type Signature struct {
	rawName  string
	rawValue string

	Algorithm string // a=
	keyAlgo   string // "rsa" or "ed25519"
	hash      crypto.Hash

	HeaderCanon Canon
	BodyCanon   Canon

	SDID     string // d=
	Selector string // s=
	AUID     string // i=, "@"+SDID when not present

	headerNames []string // h=, original case, duplicates significant
	bodyHash    []byte   // bh=, decoded
	value       []byte   // b=, decoded

	BodyLimit  int64     // l=, -1 when not present
	Timestamp  time.Time // t=, zero when not present
	Expiration time.Time // x=, zero when not present
}

func decodeBase64Folded(v string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, v)
	return base64.StdEncoding.DecodeString(clean)
}

// parseSignature parses a DKIM-Signature field per RFC 6376, Section
// 3.5. The returned error doubles as the permerror reason shown in
// Authentication-Results, minus the package prefix.
func parseSignature(name, value string) (*Signature, error) {
	sig := &Signature{
		rawName:     name,
		rawValue:    value,
		HeaderCanon: CanonSimple,
		BodyCanon:   CanonSimple,
		BodyLimit:   -1,
	}

	err := parseTagList(value, true, []tagSpec{
		{name: "v", required: true, handler: func(v string, _ int) error {
			if v != "1" {
				return fmt.Errorf("dkim: unsupported version: %v", v)
			}
			return nil
		}},
		{name: "a", required: true, handler: func(v string, _ int) error {
			sig.Algorithm = v
			switch v {
			case "rsa-sha1":
				sig.keyAlgo, sig.hash = "rsa", crypto.SHA1
			case "rsa-sha256":
				sig.keyAlgo, sig.hash = "rsa", crypto.SHA256
			case "ed25519-sha256":
				sig.keyAlgo, sig.hash = "ed25519", crypto.SHA256
			default:
				return fmt.Errorf("dkim: unsupported algorithm: %v", v)
			}
			return nil
		}},
		{name: "b", required: true, handler: func(v string, _ int) error {
			b, err := decodeBase64Folded(v)
			if err != nil || len(b) == 0 {
				return fmt.Errorf("dkim: undecodable b= tag")
			}
			sig.value = b
			return nil
		}},
		{name: "bh", required: true, handler: func(v string, _ int) error {
			b, err := decodeBase64Folded(v)
			if err != nil || len(b) == 0 {
				return fmt.Errorf("dkim: undecodable bh= tag")
			}
			sig.bodyHash = b
			return nil
		}},
		{name: "c", handler: func(v string, _ int) error {
			hdr, body, ok := strings.Cut(v, "/")
			if !ok {
				body = string(CanonSimple)
			}
			sig.HeaderCanon, sig.BodyCanon = Canon(hdr), Canon(body)
			for _, c := range []Canon{sig.HeaderCanon, sig.BodyCanon} {
				if c != CanonSimple && c != CanonRelaxed {
					return fmt.Errorf("dkim: unsupported canonicalization: %v", v)
				}
			}
			return nil
		}},
		{name: "d", required: true, handler: func(v string, _ int) error {
			if v == "" {
				return fmt.Errorf("dkim: empty d= tag")
			}
			sig.SDID = v
			return nil
		}},
		{name: "h", required: true, handler: func(v string, _ int) error {
			for _, name := range strings.Split(v, ":") {
				name = strings.Trim(name, " \t\r\n")
				if name == "" {
					return fmt.Errorf("dkim: empty element in h= tag")
				}
				sig.headerNames = append(sig.headerNames, name)
			}
			return nil
		}},
		{name: "i", handler: func(v string, _ int) error {
			sig.AUID = v
			return nil
		}},
		{name: "l", handler: func(v string, _ int) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("dkim: invalid l= tag: %v", v)
			}
			sig.BodyLimit = n
			return nil
		}},
		{name: "q", handler: func(v string, _ int) error {
			for _, method := range strings.Split(v, ":") {
				if strings.Trim(method, " \t\r\n") == "dns/txt" {
					return nil
				}
			}
			return fmt.Errorf("dkim: unsupported query method: %v", v)
		}},
		{name: "s", required: true, handler: func(v string, _ int) error {
			if v == "" {
				return fmt.Errorf("dkim: empty s= tag")
			}
			sig.Selector = v
			return nil
		}},
		{name: "t", handler: func(v string, _ int) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("dkim: invalid t= tag: %v", v)
			}
			sig.Timestamp = time.Unix(n, 0)
			return nil
		}},
		{name: "x", handler: func(v string, _ int) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("dkim: invalid x= tag: %v", v)
			}
			sig.Expiration = time.Unix(n, 0)
			return nil
		}},
	})
	if err != nil {
		return nil, err
	}

	if sig.AUID == "" {
		sig.AUID = "@" + sig.SDID
	}
	return sig, nil
}

// sanity enforces the cross-tag constraints that do not need DNS:
// identity domain under d=, From coverage, timestamp plausibility
// (RFC 6376, Section 6.1.1).
func (sig *Signature) sanity(policy VerifyPolicy, now time.Time) error {
	auidDomain := sig.auidDomain()
	if auidDomain == "" {
		return fmt.Errorf("dkim: malformed i= tag: %v", sig.AUID)
	}
	if !dns.Equal(auidDomain, sig.SDID) && !subdomainOf(auidDomain, sig.SDID) {
		return fmt.Errorf("dkim: domain mismatch")
	}

	fromSigned := false
	for _, name := range sig.headerNames {
		if strings.EqualFold(name, "From") {
			fromSigned = true
			break
		}
	}
	if !fromSigned {
		return fmt.Errorf("dkim: From field not signed")
	}

	if !sig.Expiration.IsZero() {
		if !sig.Timestamp.IsZero() && sig.Expiration.Before(sig.Timestamp) {
			return fmt.Errorf("dkim: invalid expiration")
		}
		if !policy.AcceptExpired && now.After(sig.Expiration.Add(policy.ClockSkew)) {
			return fmt.Errorf("dkim: signature expired")
		}
	}
	if !sig.Timestamp.IsZero() && !policy.AcceptFuture &&
		sig.Timestamp.After(now.Add(policy.ClockSkew)) {
		return fmt.Errorf("dkim: timestamp in the future")
	}

	return nil
}

// auidDomain is the domain part of the i= identity. The local part may
// be a quoted string containing @, so the split is at the last one.
func (sig *Signature) auidDomain() string {
	at := strings.LastIndexByte(sig.AUID, '@')
	if at < 0 {
		return ""
	}
	return sig.AUID[at+1:]
}

// subdomainOf reports whether domain is a proper subdomain of parent.
func subdomainOf(domain, parent string) bool {
	d, _ := dns.ForLookup(domain)
	p, _ := dns.ForLookup(parent)
	return strings.HasSuffix(d, "."+p)
}

// elideSigValue removes the value of the b= tag from a raw
// DKIM-Signature field value, byte-identical otherwise (RFC 6376,
// Section 3.7).
func elideSigValue(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i, seg := range strings.Split(raw, ";") {
		if i > 0 {
			b.WriteByte(';')
		}
		name, _, found := strings.Cut(seg, "=")
		if found && strings.Trim(name, " \t\r\n") == "b" {
			b.WriteString(seg[:strings.IndexByte(seg, '=')+1])
			continue
		}
		b.WriteString(seg)
	}
	return b.String()
}
