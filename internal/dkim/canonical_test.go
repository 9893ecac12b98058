package dkim

import (
	"bytes"
	"testing"
)

func TestHeaderCanon(t *testing.T) {
	test := func(canon Canon, name, value string, keepLeadingSpace bool, expected string) {
		t.Helper()
		actual := canon.header(name, value, true, keepLeadingSpace)
		if string(actual) != expected {
			t.Errorf("%s/%q %q: got %q, want %q", canon, name, value, actual, expected)
		}
	}

	// RFC 6376, Section 3.4.5 example.
	test(CanonSimple, "A", " X", true, "A: X\r\n")
	test(CanonSimple, "B ", " Y\t\r\n\tZ  ", true, "B : Y\t\r\n\tZ  \r\n")
	test(CanonRelaxed, "A", " X", true, "a:X\r\n")
	test(CanonRelaxed, "B ", " Y\t\r\n\tZ  ", true, "b:Y Z\r\n")

	// Milter strips the space after the colon unless HDR_LEADSPC is
	// negotiated, simple canonicalization has to put it back.
	test(CanonSimple, "A", "X", false, "A: X\r\n")
	test(CanonRelaxed, "A", "X", false, "a:X\r\n")

	// Unfolding must not depend on how the value was folded.
	test(CanonRelaxed, "Subject", " Hello  World", true, "subject:Hello World\r\n")
	test(CanonRelaxed, "Subject", " Hello\r\n  World", true, "subject:Hello World\r\n")
	test(CanonRelaxed, "Subject", " Hello\n  World", true, "subject:Hello World\r\n")

	// Bare LF folding is promoted to CRLF for simple.
	test(CanonSimple, "Subject", " Hello\n  World", true, "Subject: Hello\r\n  World\r\n")
}

func TestHeaderCanon_NoCRLF(t *testing.T) {
	actual := CanonRelaxed.header("DKIM-Signature", " v=1; b=", false, true)
	if string(actual) != "dkim-signature:v=1; b=" {
		t.Errorf("got %q", actual)
	}
}

func TestBodyCanon(t *testing.T) {
	// Every vector must canonicalize identically no matter how the
	// input is split into chunks.
	canonBody := func(t *testing.T, canon Canon, input string, chunkSize int) string {
		t.Helper()
		var buf bytes.Buffer
		bc := newBodyCanonicalizer(&buf, canon)
		for len(input) > 0 {
			chunk := input
			if len(chunk) > chunkSize {
				chunk = chunk[:chunkSize]
			}
			if _, err := bc.Write([]byte(chunk)); err != nil {
				t.Fatal(err)
			}
			input = input[len(chunk):]
		}
		if err := bc.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.String()
	}

	test := func(canon Canon, input, expected string) {
		t.Helper()
		for _, chunkSize := range []int{1, 2, 3, 7, 1024} {
			actual := canonBody(t, canon, input, chunkSize)
			if actual != expected {
				t.Errorf("%s %q (chunks of %d): got %q, want %q",
					canon, input, chunkSize, actual, expected)
			}
		}
	}

	// RFC 6376, Section 3.4.5 example.
	test(CanonSimple, " C\r\nD \t E\r\n\r\n\r\n", " C\r\nD \t E\r\n")
	test(CanonRelaxed, " C\r\nD \t E\r\n\r\n\r\n", " C\r\nD E\r\n")

	// Trailing CRLF handling.
	test(CanonSimple, "", "\r\n")
	test(CanonRelaxed, "", "")
	test(CanonSimple, "x", "x\r\n")
	test(CanonSimple, "x\r\n", "x\r\n")
	test(CanonSimple, "x\r\n\r\n\r\n", "x\r\n")
	test(CanonSimple, "\r\n\r\n", "\r\n")
	test(CanonRelaxed, "\r\n\r\n", "")
	test(CanonRelaxed, "x\r\n\r\n", "x\r\n")

	// WSP reduction.
	test(CanonRelaxed, "x  y \r\n", "x y\r\n")
	test(CanonRelaxed, "x\t y", "x y\r\n")
	test(CanonRelaxed, "  \r\n", "")
	test(CanonSimple, "  \r\n", "  \r\n")
	test(CanonRelaxed, "x \r\n y\r\n", "x\r\n y\r\n")

	// CR that is not part of CRLF is data.
	test(CanonSimple, "a\rb", "a\rb\r\n")
	test(CanonSimple, "a\r", "a\r\r\n")
	test(CanonSimple, "a\r\r\n", "a\r\r\n")
	test(CanonRelaxed, "a \rb", "a \rb\r\n")
}

func TestBodyCanon_Counters(t *testing.T) {
	var buf bytes.Buffer
	bc := newBodyCanonicalizer(&buf, CanonSimple)
	if _, err := bc.Write([]byte("abc\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := bc.Close(); err != nil {
		t.Fatal(err)
	}
	if bc.consumed != 7 {
		t.Errorf("consumed: got %d, want 7", bc.consumed)
	}
	if bc.wrote != 5 {
		t.Errorf("wrote: got %d, want 5", bc.wrote)
	}
}

func TestBodyCanon_WriteAfterClose(t *testing.T) {
	bc := newBodyCanonicalizer(&bytes.Buffer{}, CanonSimple)
	if err := bc.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := bc.Write([]byte("x")); err == nil {
		t.Error("Write after Close did not fail")
	}
	if err := bc.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
