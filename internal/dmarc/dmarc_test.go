package dmarc

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/minos/internal/psl"
)

func testIndex(t *testing.T) *psl.Index {
	t.Helper()
	ix, err := psl.Load(strings.NewReader("com\norg\nco.uk\n"))
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestFetchRecord(t *testing.T) {
	ix := testIndex(t)

	test := func(fromDomain string, zones map[string]mockdns.Zone, wantDomain string, wantRec bool) {
		t.Helper()
		policyDomain, rec, err := FetchRecord(context.Background(), &mockdns.Resolver{Zones: zones}, ix, fromDomain)
		if err != nil {
			t.Errorf("%v: unexpected error: %v", fromDomain, err)
			return
		}
		if (rec != nil) != wantRec {
			t.Errorf("%v: got record %v, want published=%v", fromDomain, rec, wantRec)
			return
		}
		if rec != nil && policyDomain != wantDomain {
			t.Errorf("%v: got policy domain %v, want %v", fromDomain, policyDomain, wantDomain)
		}
	}

	// Nothing published anywhere.
	test("example.org", map[string]mockdns.Zone{}, "", false)

	// Record at the From domain itself.
	test("example.org", map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=none"}},
	}, "example.org", true)

	// From domain is below the organizational one: fall back to it.
	test("mail.example.org", map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	}, "example.org", true)

	// A record at the From domain shadows the organizational one.
	test("mail.example.org", map[string]mockdns.Zone{
		"_dmarc.mail.example.org.": {TXT: []string{"v=DMARC1; p=none"}},
		"_dmarc.example.org.":      {TXT: []string{"v=DMARC1; p=reject"}},
	}, "mail.example.org", true)

	// Multiple records at one name discard the policy (RFC 7489,
	// Section 6.6.3).
	test("example.org", map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{
			"v=DMARC1; p=none",
			"v=DMARC1; p=reject",
		}},
	}, "", false)

	// Unrelated TXT records sharing the name are not counted.
	test("example.org", map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{
			"google-site-verification=aaaa",
			"v=DMARC1; p=quarantine",
		}},
	}, "example.org", true)

	// Non-DMARC records at the From domain do not stop the fallback.
	test("mail.example.org", map[string]mockdns.Zone{
		"_dmarc.mail.example.org.": {TXT: []string{"v=spf1 -all"}},
		"_dmarc.example.org.":      {TXT: []string{"v=DMARC1; p=none"}},
	}, "example.org", true)

	// Malformed record is an error (maps to permerror upstream).
	_, _, err := FetchRecord(context.Background(), &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=banana"}},
	}}, ix, "example.org")
	if err == nil {
		t.Error("malformed record: expected an error")
	}
}

func TestEvaluateAlignment(t *testing.T) {
	ix := testIndex(t)

	test := func(desc, fromDomain string, record *Record, results []authres.Result, want authres.ResultValue) {
		t.Helper()
		res := EvaluateAlignment(ix, fromDomain, record, results)
		if res.Authres.Value != want {
			t.Errorf("%v: got %v (%v), want %v", desc, res.Authres.Value, res.Authres.Reason, want)
		}
	}
	relaxed := &Record{DKIMAlignment: AlignmentRelaxed, SPFAlignment: AlignmentRelaxed}
	strict := &Record{DKIMAlignment: AlignmentStrict, SPFAlignment: AlignmentStrict}

	test("no mechanisms", "example.org", relaxed, nil, authres.ResultNone)

	test("exact dkim pass", "example.org", strict, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
	}, authres.ResultPass)

	test("subdomain dkim, relaxed", "mail.example.org", relaxed, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
	}, authres.ResultPass)

	test("subdomain dkim, strict", "mail.example.org", strict, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.org"},
	}, authres.ResultFail)

	test("unrelated dkim", "example.org", relaxed, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.com"},
	}, authres.ResultFail)

	test("aligned dkim that failed", "example.org", relaxed, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultFail, Domain: "example.org"},
	}, authres.ResultFail)

	test("spf pass via mail from", "example.org", strict, []authres.Result{
		&authres.SPFResult{Value: authres.ResultPass, From: "example.org", Helo: "mx.example.net"},
	}, authres.ResultPass)

	test("null reverse-path falls back to helo", "example.org", strict, []authres.Result{
		&authres.SPFResult{Value: authres.ResultPass, From: "", Helo: "example.org"},
	}, authres.ResultPass)

	test("one aligned mechanism suffices", "example.org", relaxed, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultFail, Domain: "example.org"},
		&authres.SPFResult{Value: authres.ResultPass, From: "mail.example.org"},
	}, authres.ResultPass)

	test("temperror on the aligned candidate", "example.org", relaxed, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultTempError, Domain: "example.org"},
		&authres.SPFResult{Value: authres.ResultPass, From: "example.com"},
	}, authres.ResultTempError)

	test("temperror on an unaligned identifier is irrelevant", "example.org", relaxed, []authres.Result{
		&authres.DKIMResult{Value: authres.ResultTempError, Domain: "example.com"},
		&authres.SPFResult{Value: authres.ResultPass, From: "example.org"},
	}, authres.ResultPass)
}

func TestReceiverPolicy(t *testing.T) {
	fail := EvalResult{Authres: authres.DMARCResult{Value: authres.ResultFail}}
	pass := EvalResult{Authres: authres.DMARCResult{Value: authres.ResultPass}}
	pct := func(n int) *int { return &n }
	noRoll := func() int32 { panic("roll not expected") }

	test := func(desc, fromDomain, policyDomain string, record *Record, result EvalResult, roll func() int32, want Policy) {
		t.Helper()
		if got := ReceiverPolicy(fromDomain, policyDomain, record, result, roll); got != want {
			t.Errorf("%v: got %v, want %v", desc, got, want)
		}
	}

	test("no record", "example.org", "", nil, fail, noRoll, PolicyNone)
	test("aligned message", "example.org", "example.org",
		&Record{Policy: PolicyReject}, pass, noRoll, PolicyNone)
	test("p= applies", "example.org", "example.org",
		&Record{Policy: PolicyReject}, fail, noRoll, PolicyReject)
	test("sp= overrides for subdomains", "mail.example.org", "example.org",
		&Record{Policy: PolicyReject, SubdomainPolicy: PolicyQuarantine}, fail, noRoll, PolicyQuarantine)
	test("no sp=, p= covers subdomains", "mail.example.org", "example.org",
		&Record{Policy: PolicyReject}, fail, noRoll, PolicyReject)

	test("pct=0 downgrades reject", "example.org", "example.org",
		&Record{Policy: PolicyReject, Percent: pct(0)}, fail,
		func() int32 { return 0 }, PolicyQuarantine)
	test("pct=0 downgrades quarantine", "example.org", "example.org",
		&Record{Policy: PolicyQuarantine, Percent: pct(0)}, fail,
		func() int32 { return 0 }, PolicyNone)
	test("winning the roll keeps the policy", "example.org", "example.org",
		&Record{Policy: PolicyReject, Percent: pct(50)}, fail,
		func() int32 { return 49 }, PolicyReject)
	test("losing the roll downgrades", "example.org", "example.org",
		&Record{Policy: PolicyReject, Percent: pct(50)}, fail,
		func() int32 { return 50 }, PolicyQuarantine)
	test("pct=100 never rolls", "example.org", "example.org",
		&Record{Policy: PolicyReject, Percent: pct(100)}, fail, noRoll, PolicyReject)
}

func TestStrictest(t *testing.T) {
	for _, tc := range []struct {
		a, b, want Policy
	}{
		{PolicyNone, PolicyNone, PolicyNone},
		{PolicyNone, PolicyQuarantine, PolicyQuarantine},
		{PolicyReject, PolicyQuarantine, PolicyReject},
		{PolicyQuarantine, PolicyReject, PolicyReject},
	} {
		if got := Strictest(tc.a, tc.b); got != tc.want {
			t.Errorf("Strictest(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
