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
	"io"
	"strings"
)

// Canon is a canonicalization algorithm name as used by the c= tag
// (RFC 6376, Section 3.4).
type Canon string

const (
	CanonSimple  Canon = "simple"
	CanonRelaxed Canon = "relaxed"
)

// header canonicalizes one header field into its hash input form.
//
// The transport hands us the field split into a name and a value with the
// line terminator removed; the wire form is reconstructed as
// "name: value" unless keepLeadingSpace is set, in which case the value
// is assumed to carry its own whitespace after the colon. Bare LFs
// inside the value (folded lines as some MTAs pass them) are promoted to
// CRLF for the simple algorithm and are WSP-squeezed away by the relaxed
// one.
func (c Canon) header(name, value string, appendCRLF, keepLeadingSpace bool) []byte {
	if c == CanonRelaxed {
		return relaxedHeader(name, value, appendCRLF)
	}
	return simpleHeader(name, value, appendCRLF, keepLeadingSpace)
}

func simpleHeader(name, value string, appendCRLF, keepLeadingSpace bool) []byte {
	var b strings.Builder
	b.Grow(len(name) + len(value) + 4)
	b.WriteString(name)
	b.WriteByte(':')
	if !keepLeadingSpace {
		b.WriteByte(' ')
	}

	prev := byte(0)
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch == '\n' && prev != '\r' {
			b.WriteByte('\r')
		}
		b.WriteByte(ch)
		prev = ch
	}

	if appendCRLF {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func relaxedHeader(name, value string, appendCRLF bool) []byte {
	var b strings.Builder
	b.Grow(len(name) + len(value) + 3)
	b.WriteString(strings.ToLower(strings.TrimSpace(name)))
	b.WriteByte(':')

	valueStart := b.Len()
	pendingSP := false
	for i := 0; i < len(value); i++ {
		switch ch := value[i]; ch {
		case '\r', '\n':
			// Unfolding. The WSP that starts the continuation line
			// is handled by the squeezing below.
		case ' ', '\t':
			pendingSP = true
		default:
			if pendingSP {
				if b.Len() > valueStart {
					b.WriteByte(' ')
				}
				pendingSP = false
			}
			b.WriteByte(ch)
		}
	}

	if appendCRLF {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

var (
	crlf = []byte{'\r', '\n'}
	sp   = []byte{' '}
)

// bodyCanonicalizer streams the message body into its canonical form
// (RFC 6376, Section 3.4.3 and 3.4.4), pushing the canonical octets
// into w.
//
// The input may be split into chunks at arbitrary points, so everything
// that cannot be classified yet is deferred in the state: a run of
// CRLFs that may turn out to be the trailing empty lines, a WSP run
// that may turn out to be line-trailing (relaxed), and a CR waiting for
// the next byte. Close settles the deferred state and appends the final
// CRLF where the algorithm demands one.
type bodyCanonicalizer struct {
	w       io.Writer
	relaxed bool

	pendingCRLFs int
	pendingSP    bool
	sawCR        bool

	consumed int64
	wrote    int64
	closed   bool
	err      error
}

func newBodyCanonicalizer(w io.Writer, canon Canon) *bodyCanonicalizer {
	return &bodyCanonicalizer{w: w, relaxed: canon == CanonRelaxed}
}

func (bc *bodyCanonicalizer) Write(p []byte) (int, error) {
	if bc.closed {
		return 0, io.ErrClosedPipe
	}

	for _, b := range p {
		if bc.sawCR {
			bc.sawCR = false
			if b == '\n' {
				// A line ended: line-trailing WSP is gone for good,
				// the CRLF itself may yet prove to be trailing.
				bc.pendingSP = false
				bc.pendingCRLFs++
				continue
			}
			// Lone CR is body data.
			bc.data('\r')
		}

		switch {
		case b == '\r':
			bc.sawCR = true
		case bc.relaxed && (b == ' ' || b == '\t'):
			bc.pendingSP = true
		default:
			bc.data(b)
		}
	}

	bc.consumed += int64(len(p))
	return len(p), bc.err
}

// data commits a body octet, flushing whatever was deferred before it.
func (bc *bodyCanonicalizer) data(b byte) {
	for ; bc.pendingCRLFs > 0; bc.pendingCRLFs-- {
		bc.out(crlf)
	}
	if bc.pendingSP {
		bc.out(sp)
		bc.pendingSP = false
	}
	bc.out([]byte{b})
}

func (bc *bodyCanonicalizer) out(p []byte) {
	if bc.err != nil {
		return
	}
	_, bc.err = bc.w.Write(p)
	bc.wrote += int64(len(p))
}

// Close flushes deferred state and applies the trailing CRLF rule:
// a non-empty canonical body ends with exactly one CRLF, an empty one
// is a lone CRLF for simple and nothing at all for relaxed.
func (bc *bodyCanonicalizer) Close() error {
	if bc.closed {
		return nil
	}
	bc.closed = true

	if bc.sawCR {
		bc.sawCR = false
		bc.data('\r')
	}
	bc.pendingSP = false
	bc.pendingCRLFs = 0

	if bc.wrote > 0 || !bc.relaxed {
		bc.out(crlf)
	}
	return bc.err
}
