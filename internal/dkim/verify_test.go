package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/minos/internal/testutils"
)

func plainMsg() ([]Header, string) {
	return []Header{
		{"From", "Bob <bob@example.org>"},
		{"To", "alice@example.com"},
		{"Subject", "Hello"},
		{"Date", "Thu, 14 Jan 2021 15:04:05 +0000"},
	}, "Hello there\r\nBye\r\n"
}

func signMsg(t *testing.T, key crypto.Signer, opts SignOptions, headers []Header, body string) []Header {
	t.Helper()
	sig, err := Sign(opts, key, headers, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return append([]Header{sig}, headers...)
}

// testVerifier runs the full verification flow, streaming the body in
// uneven chunks since the digesters must not care about boundaries.
func testVerifier(t *testing.T, zones map[string]mockdns.Zone, policy VerifyPolicy, headers []Header, body string) *Verifier {
	t.Helper()
	v, err := NewVerifier(policy, testutils.Logger(t, "dkim"), headers, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(body); i += 3 {
		end := i + 3
		if end > len(body) {
			end = len(body)
		}
		v.WriteBody([]byte(body[i:end]))
	}
	v.Verify(context.Background(), &mockdns.Resolver{Zones: zones})
	return v
}

func checkFrame(t *testing.T, res FrameResult, value authres.ResultValue, reason string) {
	t.Helper()
	if res.Value != value {
		t.Errorf("result: got %v (reason %q), want %v", res.Value, res.Reason, value)
		return
	}
	if res.Reason != reason {
		t.Errorf("reason: got %q, want %q", res.Reason, reason)
	}
}

func TestVerify(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	edPub, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	test := func(algo string, headerCanon, bodyCanon Canon) {
		t.Helper()

		var (
			signer crypto.Signer = rsaKey
			keyTXT               = "v=DKIM1; k=rsa; p=" + encodeTestKey(t, rsaKey.Public())
		)
		if algo == "ed25519-sha256" {
			signer = edKey
			keyTXT = "v=DKIM1; k=ed25519; p=" + encodeTestKey(t, edPub)
		}

		headers, body := plainMsg()
		signed := signMsg(t, signer, SignOptions{
			Domain:      "example.org",
			Selector:    "sel",
			Headers:     []string{"From", "To", "Subject", "Date"},
			Algorithm:   algo,
			HeaderCanon: headerCanon,
			BodyCanon:   bodyCanon,
		}, headers, body)

		zones := map[string]mockdns.Zone{
			"sel._domainkey.example.org.": {TXT: []string{keyTXT}},
		}
		v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
		if v.FrameCount() != 1 {
			t.Fatalf("%v %v/%v: %d frames", algo, headerCanon, bodyCanon, v.FrameCount())
		}
		res := v.FrameResult(0)
		checkFrame(t, res, authres.ResultPass, "")
		if res.SDID != "example.org" || res.AUID != "@example.org" {
			t.Errorf("%v %v/%v: wrong identity: d=%v i=%v", algo, headerCanon, bodyCanon, res.SDID, res.AUID)
		}
		if res.Testing {
			t.Errorf("%v %v/%v: testing flag set", algo, headerCanon, bodyCanon)
		}
	}

	for _, algo := range []string{"rsa-sha1", "rsa-sha256", "ed25519-sha256"} {
		for _, headerCanon := range []Canon{CanonSimple, CanonRelaxed} {
			for _, bodyCanon := range []Canon{CanonSimple, CanonRelaxed} {
				test(algo, headerCanon, bodyCanon)
			}
		}
	}
}

// testSigned produces a default rsa-sha256 signed message with the
// matching key record zone.
func testSigned(t *testing.T, opts SignOptions, keyTags string) (*rsa.PrivateKey, []Header, string, map[string]mockdns.Zone) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if opts.Domain == "" {
		opts.Domain = "example.org"
	}
	if opts.Selector == "" {
		opts.Selector = "sel"
	}
	if opts.Headers == nil {
		opts.Headers = []string{"From", "To", "Subject"}
	}

	headers, body := plainMsg()
	signed := signMsg(t, key, opts, headers, body)
	zones := map[string]mockdns.Zone{
		opts.Selector + "._domainkey." + opts.Domain + ".": {
			TXT: []string{"v=DKIM1;" + keyTags + " p=" + encodeTestKey(t, key.Public())},
		},
	}
	return key, signed, body, zones
}

func TestVerify_BodyModified(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{}, "")

	v := testVerifier(t, zones, VerifyPolicy{}, signed, body[:len(body)-2]+"!\r\n")
	checkFrame(t, v.FrameResult(0), authres.ResultFail, "body hash did not verify")
}

func TestVerify_HeaderModified(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{}, "")

	mod := make([]Header, len(signed))
	copy(mod, signed)
	for i := range mod {
		if mod[i].Name == "Subject" {
			mod[i].Value = "Buy cheap pills"
		}
	}
	v := testVerifier(t, zones, VerifyPolicy{}, mod, body)
	checkFrame(t, v.FrameResult(0), authres.ResultFail, "signature did not verify")

	// An unsigned header is free game.
	mod2 := make([]Header, len(signed))
	copy(mod2, signed)
	for i := range mod2 {
		if mod2[i].Name == "Date" {
			mod2[i].Value = "Thu, 01 Apr 2021 00:00:00 +0000"
		}
	}
	v = testVerifier(t, zones, VerifyPolicy{}, mod2, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
}

func TestVerify_SignedHeadersBottomUp(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	headers := []Header{
		{"From", "Bob <bob@example.org>"},
		{"Received", "from r1.example.net"},
		{"Received", "from r2.example.net"},
		{"Received", "from r3.example.net"},
	}
	body := "Hello\r\n"
	signed := signMsg(t, key, SignOptions{
		Domain:   "example.org",
		Selector: "sel",
		Headers:  []string{"From", "Received", "Received"},
	}, headers, body)
	zones := map[string]mockdns.Zone{
		"sel._domainkey.example.org.": {
			TXT: []string{"v=DKIM1; p=" + encodeTestKey(t, key.Public())},
		},
	}

	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")

	// h=Received:Received consumes instances bottom-up, so the two
	// bottom ones are covered and the top one is not.
	modify := func(i int, value string) []Header {
		mod := make([]Header, len(signed))
		copy(mod, signed)
		mod[i].Value = value
		return mod
	}
	v = testVerifier(t, zones, VerifyPolicy{}, modify(2, "from evil.example.net"), body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
	v = testVerifier(t, zones, VerifyPolicy{}, modify(3, "from evil.example.net"), body)
	checkFrame(t, v.FrameResult(0), authres.ResultFail, "signature did not verify")
	v = testVerifier(t, zones, VerifyPolicy{}, modify(4, "from evil.example.net"), body)
	checkFrame(t, v.FrameResult(0), authres.ResultFail, "signature did not verify")
}

func TestVerify_Oversigning(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{
		Headers: []string{"From", "From", "To", "Subject"},
	}, "")

	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")

	// The second From in h= consumed a nonexistent instance, so a
	// From prepended after signing lands in the signed set and breaks
	// the signature instead of going unnoticed.
	injected := append([]Header{{"From", "Eve <eve@evil.example>"}}, signed...)
	v = testVerifier(t, zones, VerifyPolicy{}, injected, body)
	checkFrame(t, v.FrameResult(0), authres.ResultFail, "signature did not verify")
}

func TestVerify_BodyLimit(t *testing.T) {
	body := "AAAA\r\nBBBB\r\n"
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	headers := []Header{{"From", "Bob <bob@example.org>"}}
	signed := signMsg(t, key, SignOptions{
		Domain:    "example.org",
		Selector:  "sel",
		Headers:   []string{"From"},
		BodyLimit: 6,
	}, headers, body)
	zones := map[string]mockdns.Zone{
		"sel._domainkey.example.org.": {
			TXT: []string{"v=DKIM1; p=" + encodeTestKey(t, key.Public())},
		},
	}

	// Only the first 6 canonical octets are covered.
	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
	v = testVerifier(t, zones, VerifyPolicy{}, signed, "AAAA\r\nEVIL\r\n")
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
	v = testVerifier(t, zones, VerifyPolicy{}, signed, "AAAB\r\nBBBB\r\n")
	checkFrame(t, v.FrameResult(0), authres.ResultFail, "body hash did not verify")

	// A body shorter than l= is a hard error, not a hash mismatch.
	v = testVerifier(t, zones, VerifyPolicy{}, signed, "AA")
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "body is shorter than declared length")
}

func TestVerify_KeyRecords(t *testing.T) {
	test := func(zoneTXT []string, zoneErr error, policy VerifyPolicy, value authres.ResultValue, reason string) {
		t.Helper()
		_, signed, body, zones := testSigned(t, SignOptions{}, "")
		name := "sel._domainkey.example.org."
		if zoneErr != nil {
			zones[name] = mockdns.Zone{Err: zoneErr}
		} else if zoneTXT == nil {
			delete(zones, name)
		} else {
			zones[name] = mockdns.Zone{TXT: zoneTXT}
		}

		v := testVerifier(t, zones, policy, signed, body)
		checkFrame(t, v.FrameResult(0), value, reason)
	}

	test(nil, nil, VerifyPolicy{}, authres.ResultPermError, "no key for signature")
	test(nil, &net.DNSError{Err: "the dns server is going insane", IsTemporary: true},
		VerifyPolicy{}, authres.ResultTempError, "key unavailable")
	test([]string{"v=DKIM1; p="}, nil, VerifyPolicy{}, authres.ResultPermError, "key revoked")
	test([]string{"not a key record at all"}, nil, VerifyPolicy{}, authres.ResultPermError, "no key for signature")
	test([]string{"v=DKIM1; h=sha1; p=MA=="}, nil, VerifyPolicy{},
		authres.ResultPermError, "inappropriate hash algorithm")
	test([]string{"v=DKIM1; s=tlsa; p=MA=="}, nil, VerifyPolicy{},
		authres.ResultPermError, "unacceptable service type")
	test([]string{"v=DKIM1; g=postmaster; p=MA=="}, nil, VerifyPolicy{},
		authres.ResultPermError, "identity granularity mismatch")
}

func TestVerify_MultipleKeyRecords(t *testing.T) {
	key, signed, body, zones := testSigned(t, SignOptions{}, "")
	keyTXT := "v=DKIM1; p=" + encodeTestKey(t, key.Public())

	// Garbage next to the real record is discarded with no effect.
	zones["sel._domainkey.example.org."] = mockdns.Zone{TXT: []string{"%%%", keyTXT}}
	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")

	// Two usable records are ambiguous.
	zones["sel._domainkey.example.org."] = mockdns.Zone{TXT: []string{keyTXT, keyTXT}}
	v = testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "multiple key records")
}

func TestVerify_KeyAlgorithmMismatch(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	headers, body := plainMsg()
	signed := signMsg(t, edKey, SignOptions{
		Domain:    "example.org",
		Selector:  "sel",
		Headers:   []string{"From", "To", "Subject"},
		Algorithm: "ed25519-sha256",
	}, headers, body)
	zones := map[string]mockdns.Zone{
		"sel._domainkey.example.org.": {
			TXT: []string{"v=DKIM1; k=rsa; p=" + encodeTestKey(t, rsaKey.Public())},
		},
	}

	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "inappropriate key algorithm")
}

func TestVerify_TestingFlag(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{}, " t=y;")

	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	res := v.FrameResult(0)
	checkFrame(t, res, authres.ResultPass, "")
	if !res.Testing {
		t.Error("testing flag not set")
	}
}

func TestVerify_NoSubdomainsFlag(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{AUID: "@sub.example.org"}, " t=s;")

	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "subdomain identity not allowed")
}

func TestVerify_Granularity(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{AUID: "bob@example.org"}, " g=bob;")
	v := testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")

	_, signed, body, zones = testSigned(t, SignOptions{AUID: "bob@example.org"}, " g=alice;")
	v = testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "identity granularity mismatch")
}

func TestVerify_MinRSABits(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 512)
	if err != nil {
		t.Fatal(err)
	}
	headers, body := plainMsg()
	signed := signMsg(t, key, SignOptions{
		Domain:   "example.org",
		Selector: "sel",
		Headers:  []string{"From", "To", "Subject"},
	}, headers, body)
	zones := map[string]mockdns.Zone{
		"sel._domainkey.example.org.": {
			TXT: []string{"v=DKIM1; p=" + encodeTestKey(t, key.Public())},
		},
	}

	v := testVerifier(t, zones, VerifyPolicy{MinRSABits: 1024}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "key too short")

	v = testVerifier(t, zones, VerifyPolicy{}, signed, body)
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
}

func TestVerify_FrameIsolation(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{}, "")

	// A syntactically broken signature above the good one must not
	// interfere with it.
	mangled := append([]Header{
		{"DKIM-Signature", "a=rsa-sha256; d=example.org; s=sel; h=from; bh=Zm9v; b=YmFy"},
	}, signed...)
	v := testVerifier(t, zones, VerifyPolicy{}, mangled, body)
	if v.FrameCount() != 2 {
		t.Fatalf("got %d frames", v.FrameCount())
	}
	checkFrame(t, v.FrameResult(0), authres.ResultPermError, "required tag missing: v")
	checkFrame(t, v.FrameResult(1), authres.ResultPass, "")
}

func TestVerify_MaxSignatures(t *testing.T) {
	_, signed, body, zones := testSigned(t, SignOptions{}, "")
	tripled := append([]Header{signed[0], signed[0]}, signed...)

	v := testVerifier(t, zones, VerifyPolicy{MaxSignatures: 2}, tripled, body)
	if v.FrameCount() != 2 {
		t.Fatalf("got %d frames, want 2", v.FrameCount())
	}
	checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
	checkFrame(t, v.FrameResult(1), authres.ResultPass, "")
}

func TestVerify_NoSignatures(t *testing.T) {
	headers, _ := plainMsg()
	v, err := NewVerifier(VerifyPolicy{}, testutils.Logger(t, "dkim"), headers, false)
	if err != ErrNoSignatures {
		t.Errorf("got %v, want ErrNoSignatures", err)
	}
	if v == nil || v.FrameCount() != 0 {
		t.Error("expected an empty but usable verifier")
	}
}

// milterHeaders splits a wire-format message into the milter view:
// (name, value) pairs with the space after the colon removed and
// folding otherwise preserved.
func milterHeaders(t *testing.T, msg string) ([]Header, string) {
	t.Helper()
	headerPart, body, ok := strings.Cut(msg, "\r\n\r\n")
	if !ok {
		t.Fatal("no header/body separator")
	}

	var headers []Header
	for _, line := range strings.Split(headerPart, "\r\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				t.Fatal("continuation line before any field")
			}
			headers[len(headers)-1].Value += "\r\n" + line
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			t.Fatalf("malformed field: %q", line)
		}
		headers = append(headers, Header{Name: name, Value: strings.TrimPrefix(value, " ")})
	}
	return headers, body
}

func renderMessage(headers []Header, body string) string {
	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

// The emersion/go-msgauth implementation acts as a reference: messages
// it signs must verify here and vice versa.
func TestVerify_Interop(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	zones := map[string]mockdns.Zone{
		"sel._domainkey.example.org.": {
			TXT: []string{"v=DKIM1; k=rsa; p=" + encodeTestKey(t, rsaKey.Public())},
		},
	}

	test := func(headerCanon, bodyCanon dkim.Canonicalization) {
		t.Helper()
		headers, body := plainMsg()

		var signedMsg bytes.Buffer
		err := dkim.Sign(&signedMsg, strings.NewReader(renderMessage(headers, body)), &dkim.SignOptions{
			Domain:                 "example.org",
			Selector:               "sel",
			Signer:                 rsaKey,
			HeaderCanonicalization: headerCanon,
			BodyCanonicalization:   bodyCanon,
		})
		if err != nil {
			t.Fatal(err)
		}

		signed, gotBody := milterHeaders(t, signedMsg.String())
		v := testVerifier(t, zones, VerifyPolicy{}, signed, gotBody)
		if v.FrameCount() != 1 {
			t.Fatalf("%v/%v: %d frames", headerCanon, bodyCanon, v.FrameCount())
		}
		checkFrame(t, v.FrameResult(0), authres.ResultPass, "")
	}

	for _, headerCanon := range []dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
		for _, bodyCanon := range []dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
			test(headerCanon, bodyCanon)
		}
	}
}

func TestSign_Interop(t *testing.T) {
	key, signed, body, zones := testSigned(t, SignOptions{
		HeaderCanon: CanonRelaxed,
		BodyCanon:   CanonSimple,
	}, "")
	_ = key

	resolver := &mockdns.Resolver{Zones: zones}
	verifications, err := dkim.VerifyWithOptions(strings.NewReader(renderMessage(signed, body)),
		&dkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return resolver.LookupTXT(context.Background(), domain)
			},
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(verifications) != 1 {
		t.Fatal("expected exactly one verification")
	}
	if verifications[0].Err != nil {
		t.Fatal("verification error:", verifications[0].Err)
	}
	if verifications[0].Domain != "example.org" {
		t.Errorf("wrong domain: %v", verifications[0].Domain)
	}
}
