package milter

import (
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/authres"
)

func TestARBuilder(t *testing.T) {
	b := arBuilder{authservID: "mx.example.org"}
	b.add(MethodResult{
		Method: "spf",
		Value:  authres.ResultPass,
		Props:  []Prop{{"smtp", "mailfrom", "alice@example.org"}},
	})
	b.add(MethodResult{
		Method: "dkim",
		Value:  authres.ResultFail,
		Reason: "body hash did not verify",
		Props:  []Prop{{"header", "d", "example.org"}},
	})

	got := b.render()
	want := "mx.example.org;\r\n" +
		"\tspf=pass smtp.mailfrom=alice@example.org;\r\n" +
		"\tdkim=fail reason=\"body hash did not verify\" header.d=example.org"
	if got != want {
		t.Errorf("render:\ngot  %q\nwant %q", got, want)
	}
}

func TestARBuilder_Empty(t *testing.T) {
	b := arBuilder{authservID: "mx.example.org"}
	if got := b.render(); got != "mx.example.org; none" {
		t.Errorf("render: %q", got)
	}
}

func TestARBuilder_ShortClausesShareLine(t *testing.T) {
	b := arBuilder{authservID: "mx.example.org"}
	b.add(MethodResult{Method: "spf", Value: authres.ResultNone})
	b.add(MethodResult{Method: "dkim", Value: authres.ResultNone})
	b.add(MethodResult{Method: "dmarc", Value: authres.ResultNone})

	got := b.render()
	want := "mx.example.org;\r\n\tspf=none; dkim=none; dmarc=none"
	if got != want {
		t.Errorf("render:\ngot  %q\nwant %q", got, want)
	}
}

func TestARBuilder_Folding(t *testing.T) {
	b := arBuilder{authservID: "mx.example.org"}
	for i := 0; i < 6; i++ {
		b.add(MethodResult{
			Method: "dkim",
			Value:  authres.ResultPass,
			Props: []Prop{
				{"header", "d", "some-long-signing-domain.example.org"},
				{"header", "s", "selector2023"},
			},
		})
	}

	for i, line := range strings.Split(b.render(), "\r\n") {
		if i > 0 && !strings.HasPrefix(line, "\t") {
			t.Errorf("continuation line %d has no leading tab: %q", i, line)
		}
		if len(line) > foldWidth+60 {
			t.Errorf("line %d is unreasonably long (%d octets)", i, len(line))
		}
	}
}

func TestQuoteValue(t *testing.T) {
	for _, test := range []struct {
		in, out string
	}{
		{"unchecked", "unchecked"},
		{"body hash did not verify", `"body hash did not verify"`},
		{`say "hi"`, `"say \"hi\""`},
		{"", `""`},
		{"has;semicolon", `"has;semicolon"`},
	} {
		if got := quoteValue(test.in); got != test.out {
			t.Errorf("quoteValue(%q): got %q, want %q", test.in, got, test.out)
		}
	}
}

func TestForgedAuthRes(t *testing.T) {
	const id = "mx.example.org"
	for _, test := range []struct {
		field  string
		forged bool
	}{
		{"mx.example.org; spf=pass smtp.mailfrom=alice@example.org", true},
		{"MX.EXAMPLE.ORG; spf=pass smtp.mailfrom=alice@example.org", true},
		{"other.example.net; spf=pass smtp.mailfrom=alice@example.org", false},
		// Malformed fields fall back to the first-token scan.
		{"mx.example.org; ;; not a result", true},
		{"mx.example.org garbage garbage", true},
		{"other.example.net garbage", false},
		{"", false},
	} {
		if got := forgedAuthRes(id, test.field); got != test.forged {
			t.Errorf("forgedAuthRes(%q): got %v, want %v", test.field, got, test.forged)
		}
	}
}
