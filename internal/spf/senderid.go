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

package spf

import (
	"context"
	"errors"
	"net"
	"net/mail"
	"strings"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
)

// Header is one stored message header field, in wire order.
type Header struct {
	Name  string
	Value string
}

// ErrNoPRA is returned by ExtractPRA when the header block does not
// yield a Purported Responsible Address: the required fields are absent,
// ambiguous or malformed. Sender ID scores permerror then.
var ErrNoPRA = errors.New("spf: no purported responsible address")

// ExtractPRA runs the RFC 4407, Section 2 selection over the stored
// header block and returns the PRA mailbox together with the name of
// the field it came from.
func ExtractPRA(headers []Header) (addr, field string, err error) {
	first := func(name string) (int, string) {
		for i, hdr := range headers {
			if strings.EqualFold(hdr.Name, name) && strings.TrimSpace(hdr.Value) != "" {
				return i, hdr.Value
			}
		}
		return -1, ""
	}
	only := func(name string) string {
		value, n := "", 0
		for _, hdr := range headers {
			if strings.EqualFold(hdr.Name, name) && strings.TrimSpace(hdr.Value) != "" {
				value = hdr.Value
				n++
			}
		}
		if n != 1 {
			return ""
		}
		return value
	}

	pick := func(name, value string) (string, string, error) {
		list, err := mail.ParseAddressList(value)
		if err != nil || len(list) != 1 {
			return "", "", ErrNoPRA
		}
		return list[0].Address, name, nil
	}

	// Step 1: the first Resent-Sender wins unless it belongs to an
	// earlier resend block, which is the case when a Resent-From
	// followed by a trace field precedes it.
	if rsIdx, rs := first("Resent-Sender"); rsIdx >= 0 {
		rfIdx, _ := first("Resent-From")
		usable := true
		if rfIdx >= 0 && rfIdx < rsIdx {
			for _, hdr := range headers[rfIdx:rsIdx] {
				if strings.EqualFold(hdr.Name, "Received") || strings.EqualFold(hdr.Name, "Return-Path") {
					usable = false
					break
				}
			}
		}
		if usable {
			return pick("Resent-Sender", rs)
		}
	}
	// Step 2.
	if _, rf := first("Resent-From"); rf != "" {
		return pick("Resent-From", rf)
	}
	// Steps 3 and 4: Sender, then From, each required to be unique.
	if sender := only("Sender"); sender != "" {
		return pick("Sender", sender)
	}
	if from := only("From"); from != "" {
		return pick("From", from)
	}
	return "", "", ErrNoPRA
}

// CheckSenderID evaluates Sender ID (RFC 4406): the SPF engine run over
// the PRA identity instead of the envelope sender.
//
// The engine evaluates v=spf1 records; spf2.0 record selection is not
// implemented, which most published policies are compatible with
// (RFC 4406, Section 3.4 defaults spf2.0/pra to the v=spf1 record).
func CheckSenderID(ctx context.Context, resolver dns.Resolver, ip net.IP, helo string, headers []Header) authres.SenderIDResult {
	res := authres.SenderIDResult{}

	pra, field, err := ExtractPRA(headers)
	if err != nil {
		res.Value = authres.ResultPermError
		res.Reason = "no purported responsible address"
		return res
	}
	res.HeaderKey = field

	sender, _, err := prepareIdentity(pra)
	if err != nil {
		res.Value = authres.ResultPermError
		res.Reason = "malformed purported responsible address"
		return res
	}
	res.HeaderValue = sender

	value, reason := runEngine(ctx, resolver, ip, helo, sender)
	res.Value = value
	res.Reason = reason
	return res
}
