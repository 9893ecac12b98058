package dkim

import (
	"strings"
	"testing"
	"time"
)

func TestElideSigValue(t *testing.T) {
	test := func(raw, expected string) {
		t.Helper()
		if actual := elideSigValue(raw); actual != expected {
			t.Errorf("%q: got %q, want %q", raw, actual, expected)
		}
	}

	test("v=1; b=deadbeef; d=example.org", "v=1; b=; d=example.org")
	test("v=1; b = dead\r\n\tbeef; d=example.org", "v=1; b =; d=example.org")
	test("v=1;b=deadbeef", "v=1;b=")

	// bh= must survive even when its value happens to end in "b=",
	// and eliding b= must not eat the tag separator.
	test("v=1; bh=aGVsbG8b=; b=deadbeef;", "v=1; bh=aGVsbG8b=; b=;")
	test("bh=Zm9vYg==; b=x", "bh=Zm9vYg==; b=")
}

func TestDecodeBase64Folded(t *testing.T) {
	b, err := decodeBase64Folded("aGVs \t bG8s\r\n\tIHdvcmxk")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello, world" {
		t.Errorf("got %q", b)
	}

	if _, err := decodeBase64Folded("a!"); err == nil {
		t.Error("garbage decoded")
	}
}

func TestParseSignature(t *testing.T) {
	sigVal := strings.Join([]string{
		"v=1", "a=rsa-sha256", "c=relaxed/simple", "d=Example.ORG",
		"s=sel", "i=user@sub.example.org", "l=100", "t=1577836800",
		"x=1893456000", "h=From : Subject:to", "bh=Zm9v", "b=YmFy",
	}, "; ")

	sig, err := parseSignature("DKIM-Signature", sigVal)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Algorithm != "rsa-sha256" || sig.keyAlgo != "rsa" {
		t.Errorf("wrong algorithm: %v/%v", sig.Algorithm, sig.keyAlgo)
	}
	if sig.HeaderCanon != CanonRelaxed || sig.BodyCanon != CanonSimple {
		t.Errorf("wrong canonicalization: %v/%v", sig.HeaderCanon, sig.BodyCanon)
	}
	if sig.SDID != "Example.ORG" || sig.Selector != "sel" {
		t.Errorf("wrong SDID/selector: %v/%v", sig.SDID, sig.Selector)
	}
	if sig.AUID != "user@sub.example.org" || sig.auidDomain() != "sub.example.org" {
		t.Errorf("wrong AUID: %v", sig.AUID)
	}
	if sig.BodyLimit != 100 {
		t.Errorf("wrong body limit: %v", sig.BodyLimit)
	}
	if sig.Timestamp.Unix() != 1577836800 || sig.Expiration.Unix() != 1893456000 {
		t.Errorf("wrong timestamps: %v, %v", sig.Timestamp, sig.Expiration)
	}
	if len(sig.headerNames) != 3 || sig.headerNames[0] != "From" ||
		sig.headerNames[1] != "Subject" || sig.headerNames[2] != "to" {
		t.Errorf("wrong header list: %v", sig.headerNames)
	}

	if err := sig.sanity(VerifyPolicy{AcceptExpired: true}, time.Now()); err != nil {
		t.Errorf("sanity: %v", err)
	}
}

func TestParseSignature_Defaults(t *testing.T) {
	sig, err := parseSignature("DKIM-Signature",
		"v=1; a=ed25519-sha256; d=example.org; s=sel; h=from; bh=Zm9v; b=YmFy")
	if err != nil {
		t.Fatal(err)
	}
	if sig.HeaderCanon != CanonSimple || sig.BodyCanon != CanonSimple {
		t.Errorf("c= default is not simple/simple: %v/%v", sig.HeaderCanon, sig.BodyCanon)
	}
	if sig.AUID != "@example.org" {
		t.Errorf("i= default: %v", sig.AUID)
	}
	if sig.BodyLimit != -1 {
		t.Errorf("l= default: %v", sig.BodyLimit)
	}
	if sig.keyAlgo != "ed25519" {
		t.Errorf("key algorithm: %v", sig.keyAlgo)
	}
}

func TestParseSignature_Rejected(t *testing.T) {
	base := "a=rsa-sha256; d=example.org; s=sel; h=from; bh=Zm9v; b=YmFy"
	for _, sigVal := range []string{
		"v=2; " + base,                 // bad version
		base,                           // no version
		"v=1; " + base + "; c=haywire", // unknown canonicalization
		"v=1; " + base + "; q=smtp/mx", // unusable query method
		"v=1; " + base + "; l=-5",      // negative length
		"v=1; " + base + "; l=99z",     // not a number
		strings.ReplaceAll("v=1; "+base, "a=rsa-sha256", "a=rsa-md5"),
		strings.ReplaceAll("v=1; "+base, "b=YmFy", "b="),
		strings.ReplaceAll("v=1; "+base, "bh=Zm9v", "bh=***"),
		strings.ReplaceAll("v=1; "+base, "h=from", "h=from::to"),
	} {
		if _, err := parseSignature("DKIM-Signature", sigVal); err == nil {
			t.Errorf("%q: parsed, expected an error", sigVal)
		}
	}
}

func TestSignatureSanity(t *testing.T) {
	now := time.Unix(1600000000, 0)
	sanity := func(t *testing.T, extra string, policy VerifyPolicy) error {
		t.Helper()
		sig, err := parseSignature("DKIM-Signature",
			"v=1; a=rsa-sha256; d=example.org; s=sel; h=from:subject; bh=Zm9v; b=YmFy"+extra)
		if err != nil {
			t.Fatal(err)
		}
		return sig.sanity(policy, now)
	}

	if err := sanity(t, "", VerifyPolicy{}); err != nil {
		t.Errorf("plain signature: %v", err)
	}
	if err := sanity(t, "; i=@sub.example.org", VerifyPolicy{}); err != nil {
		t.Errorf("subdomain identity: %v", err)
	}
	if err := sanity(t, "; i=@example.com", VerifyPolicy{}); err == nil {
		t.Error("unrelated identity accepted")
	}
	if err := sanity(t, "; i=@badexample.org", VerifyPolicy{}); err == nil {
		t.Error("suffix-but-not-subdomain identity accepted")
	}

	// From not covered by h=.
	sig, err := parseSignature("DKIM-Signature",
		"v=1; a=rsa-sha256; d=example.org; s=sel; h=subject:to; bh=Zm9v; b=YmFy")
	if err != nil {
		t.Fatal(err)
	}
	if err := sig.sanity(VerifyPolicy{}, now); err == nil {
		t.Error("signature without From accepted")
	}

	// Timestamps, with and without tolerance.
	expired := "; t=1500000000; x=1500000600"
	if err := sanity(t, expired, VerifyPolicy{}); err == nil {
		t.Error("expired signature accepted")
	}
	if err := sanity(t, expired, VerifyPolicy{AcceptExpired: true}); err != nil {
		t.Errorf("accept_expired=true: %v", err)
	}
	justExpired := "; x=1599999900"
	if err := sanity(t, justExpired, VerifyPolicy{ClockSkew: 300 * time.Second}); err != nil {
		t.Errorf("expiration within clock skew: %v", err)
	}
	future := "; t=1600009999"
	if err := sanity(t, future, VerifyPolicy{}); err == nil {
		t.Error("future timestamp accepted")
	}
	if err := sanity(t, future, VerifyPolicy{AcceptFuture: true}); err != nil {
		t.Errorf("accept_future=true: %v", err)
	}
	if err := sanity(t, "; t=1500000600; x=1500000000", VerifyPolicy{AcceptExpired: true}); err == nil {
		t.Error("x= before t= accepted")
	}
}
