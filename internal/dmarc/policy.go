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
	"math/rand"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
)

// RollPercent is the default sampling source for ReceiverPolicy: a
// plain PRNG roll in [0, 100). DMARC sampling is a load-shedding knob,
// not a security boundary, so math/rand is fine here.
func RollPercent() int32 {
	return rand.Int31n(100)
}

// ReceiverPolicy maps an alignment evaluation onto the policy the
// receiver should enforce.
//
// The record's sp= applies when the record was discovered at the
// organizational domain rather than the From domain itself. The pct=
// sampling rule follows RFC 7489, Section 6.6.4: a message that loses
// the roll is handled under the next less strict policy instead
// (reject becomes quarantine, quarantine becomes none).
//
// roll is called at most once; pass RollPercent outside of tests.
func ReceiverPolicy(fromDomain, policyDomain string, record *Record, result EvalResult, roll func() int32) Policy {
	if record == nil {
		return PolicyNone
	}
	if result.Authres.Value != authres.ResultFail {
		// pass, none and the error results all leave enforcement to
		// the annotation consumer.
		return PolicyNone
	}

	policy := record.Policy
	if !dns.Equal(policyDomain, fromDomain) && record.SubdomainPolicy != "" {
		policy = record.SubdomainPolicy
	}

	pct := 100
	if record.Percent != nil {
		pct = *record.Percent
	}
	if pct < 100 && roll() >= int32(pct) {
		policy = downgrade(policy)
	}
	return policy
}

func downgrade(p Policy) Policy {
	switch p {
	case PolicyReject:
		return PolicyQuarantine
	default:
		return PolicyNone
	}
}

// Strictest returns the stricter of two policies. Used to combine
// per-mailbox outcomes when the From field carries several addresses.
func Strictest(a, b Policy) Policy {
	rank := func(p Policy) int {
		switch p {
		case PolicyReject:
			return 2
		case PolicyQuarantine:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
