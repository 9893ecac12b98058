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

// Package spf scores the SMTP envelope against the sender's published
// SPF policy (RFC 7208) and, with the PRA identity substituted, against
// Sender ID (RFC 4406/4407).
//
// The policy engine itself is blitiri.com.ar/go/spf; this package picks
// the identity to check, applies the readiness rules for it and maps
// the engine verdict onto the Authentication-Results vocabulary.
package spf

import (
	"context"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/address"
	"github.com/foxcpp/minos/framework/dns"
	"golang.org/x/net/idna"
)

// CheckMailFrom evaluates SPF for the MAIL FROM identity. A null
// reverse-path substitutes postmaster@<helo> per RFC 7208, Section 2.4,
// which is only meaningful when HELO carries a fully qualified domain:
// anything else (no dot, an address literal, no HELO at all) makes the
// check unevaluable and scores permerror.
func CheckMailFrom(ctx context.Context, resolver dns.Resolver, ip net.IP, helo, mailFrom string) authres.SPFResult {
	res := authres.SPFResult{Helo: helo}
	if helo == "" {
		res.Value = authres.ResultPermError
		res.Reason = "no HELO identity"
		return res
	}

	sender := ""
	if mailFrom == "" {
		if !usableHelo(helo) {
			res.Value = authres.ResultPermError
			res.Reason = "null sender and no usable HELO identity"
			return res
		}
		sender = "postmaster@" + dns.FQDN(helo)
	} else {
		prepared, fromDomain, err := prepareIdentity(mailFrom)
		if err != nil {
			res.Value = authres.ResultPermError
			res.Reason = "malformed MAIL FROM address"
			return res
		}
		sender = prepared
		res.From = fromDomain
	}

	value, reason := runEngine(ctx, resolver, ip, helo, sender)
	res.Value = value
	res.Reason = reason
	return res
}

func runEngine(ctx context.Context, resolver dns.Resolver, ip net.IP, helo, sender string) (authres.ResultValue, string) {
	engineRes, err := spf.CheckHostWithSender(ip, dns.FQDN(helo), sender,
		spf.WithContext(ctx), spf.WithResolver(resolver))

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	switch engineRes {
	case spf.None:
		return authres.ResultNone, "no policy"
	case spf.Neutral:
		return authres.ResultNeutral, reason
	case spf.Pass:
		return authres.ResultPass, ""
	case spf.Fail:
		return authres.ResultFail, reason
	case spf.SoftFail:
		return authres.ResultSoftFail, reason
	case spf.TempError:
		return authres.ResultTempError, reason
	case spf.PermError:
		return authres.ResultPermError, reason
	}
	return authres.ResultPermError, "unknown engine verdict: " + string(engineRes)
}

// prepareIdentity turns an already-validated envelope address into the
// form the engine wants: A-label domain, fully qualified.
//
// INTERNATIONALIZATION: RFC 8616, Section 4. The %{s} and %{l} macros
// never match a non-ASCII local part, so it is stripped up front.
func prepareIdentity(addr string) (sender, domain string, err error) {
	mbox, domain, err := address.Split(addr)
	if err != nil {
		return "", "", err
	}
	domain, err = idna.ToASCII(domain)
	if err != nil {
		return "", "", err
	}
	if !address.IsASCII(mbox) {
		mbox = ""
	}
	return mbox + "@" + dns.FQDN(domain), domain, nil
}

// usableHelo reports whether the HELO argument can stand in as an SPF
// identity: a multi-label domain name, not an address literal.
func usableHelo(helo string) bool {
	if helo == "" || strings.HasPrefix(helo, "[") {
		return false
	}
	if net.ParseIP(helo) != nil {
		return false
	}
	return strings.Contains(strings.TrimSuffix(helo, "."), ".")
}
