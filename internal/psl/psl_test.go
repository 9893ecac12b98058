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

package psl

import (
	"strings"
	"testing"

	"golang.org/x/net/publicsuffix"
)

const testList = `// ===BEGIN ICANN DOMAINS===
com
uk
co.uk
jp
ac.jp
us
*.ck
!www.ck
中国
// ===END ICANN DOMAINS===
// ===BEGIN PRIVATE DOMAINS===
github.io
// ===END PRIVATE DOMAINS===
`

func testIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Load(strings.NewReader(testList))
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestOrganizationalDomain(t *testing.T) {
	ix := testIndex(t)

	check := func(domain, expected string) {
		t.Helper()
		actual := ix.OrganizationalDomain(domain)
		if actual != expected {
			t.Errorf("OrganizationalDomain(%q): %q, expected %q", domain, actual, expected)
		}
	}

	// Mixed case and null input.
	check("COM", "")
	check("example.COM", "example.com")
	check("WwW.example.COM", "example.com")
	check("", "")
	check(".com", "")
	check("example.com.", "example.com")

	// Unlisted TLD behaves as a one-label public suffix.
	check("example", "")
	check("example.example", "example.example")
	check("b.example.example", "example.example")

	// Listed, two-level rules.
	check("uk", "")
	check("co.uk", "")
	check("example.co.uk", "example.co.uk")
	check("b.example.co.uk", "example.co.uk")
	check("test.jp", "test.jp")
	check("www.test.jp", "test.jp")
	check("ac.jp", "")
	check("test.ac.jp", "test.ac.jp")
	check("www.test.ac.jp", "test.ac.jp")

	// Wildcard rule and its exception.
	check("ck", "")
	check("test.ck", "")
	check("b.test.ck", "b.test.ck")
	check("a.b.test.ck", "b.test.ck")
	check("www.ck", "www.ck")
	check("www.www.ck", "www.ck")

	// IDN suffix in either label form.
	check("食狮.中国", "食狮.中国")
	check("www.食狮.中国", "食狮.中国")
	check("xn--fiqs8s", "")
	check("shishi.xn--fiqs8s", "shishi.xn--fiqs8s")
	check("www.shishi.xn--fiqs8s", "shishi.xn--fiqs8s")

	// Private section rule.
	check("github.io", "")
	check("foxcpp.github.io", "foxcpp.github.io")
	check("www.foxcpp.github.io", "foxcpp.github.io")
}

func TestOrganizationalDomain_XNetAgreement(t *testing.T) {
	// golang.org/x/net/publicsuffix embeds the same list this package
	// parses at runtime; for suffixes present in both copies the answers
	// must agree.
	ix := testIndex(t)

	for _, domain := range []string{
		"example.com",
		"www.example.com",
		"a.b.example.co.uk",
		"co.uk",
		"b.test.ck",
		"a.b.test.ck",
		"www.ck",
		"x.www.ck",
		"foxcpp.github.io",
		"a.foxcpp.github.io",
	} {
		expected, err := publicsuffix.EffectiveTLDPlusOne(domain)
		if err != nil {
			// x/net reports an error for domains that are a public
			// suffix themselves; OrganizationalDomain returns "".
			expected = ""
		}

		if actual := ix.OrganizationalDomain(domain); actual != expected {
			t.Errorf("OrganizationalDomain(%q): %q, x/net says %q", domain, actual, expected)
		}
	}
}

func TestLoad_Garbage(t *testing.T) {
	ix, err := Load(strings.NewReader(`com
com
!
..
// comment
co.uk wat is this
`))
	if err != nil {
		t.Fatal(err)
	}

	// com counted once, bare ! and .. dropped, trailing garbage after
	// whitespace ignored.
	if ix.Rules() != 2 {
		t.Fatal("rules loaded:", ix.Rules(), "expected: 2")
	}
	if org := ix.OrganizationalDomain("example.co.uk"); org != "example.co.uk" {
		t.Fatal("co.uk rule not picked up, org:", org)
	}
}
