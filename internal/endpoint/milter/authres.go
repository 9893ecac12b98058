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

package milter

import (
	"strings"

	"github.com/emersion/go-msgauth/authres"
)

// Prop is one ptype.property=value triple of a method clause
// (RFC 8601, Section 2.2).
type Prop struct {
	Type  string // smtp, header, dns, body or policy
	Name  string
	Value string
}

// MethodResult is one method clause of the synthesized
// Authentication-Results field.
type MethodResult struct {
	Method  string
	Value   authres.ResultValue
	Reason  string
	Comment string
	Props   []Prop
}

func (r MethodResult) clause() string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('=')
	sb.WriteString(string(r.Value))
	if r.Comment != "" {
		sb.WriteString(" (")
		sb.WriteString(r.Comment)
		sb.WriteByte(')')
	}
	if r.Reason != "" {
		sb.WriteString(" reason=")
		sb.WriteString(quoteValue(r.Reason))
	}
	for _, p := range r.Props {
		sb.WriteByte(' ')
		sb.WriteString(p.Type)
		sb.WriteByte('.')
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(p.Value)
	}
	return sb.String()
}

// foldWidth is the soft line length limit for the rendered field.
// Folding happens between method clauses only, a clause with long
// properties can still overshoot it.
const foldWidth = 78

// arBuilder accumulates method clauses in evaluation order and renders
// them as the body of one Authentication-Results field.
type arBuilder struct {
	authservID string
	results    []MethodResult
}

func (b *arBuilder) add(r MethodResult) {
	b.results = append(b.results, r)
}

func (b *arBuilder) render() string {
	if len(b.results) == 0 {
		// RFC 8601, Section 2.2: explicit statement that no
		// authentication was done.
		return b.authservID + "; none"
	}

	var sb strings.Builder
	sb.WriteString(b.authservID)
	sb.WriteByte(';')

	col := 0
	for i, r := range b.results {
		clause := r.clause()
		if i > 0 {
			sb.WriteByte(';')
		}
		if i == 0 || col+1+len(clause) > foldWidth {
			sb.WriteString("\r\n\t")
			col = 8
		} else {
			sb.WriteByte(' ')
			col++
		}
		sb.WriteString(clause)
		col += len(clause)
	}
	return sb.String()
}

// quoteValue renders v as a token when possible and as a quoted-string
// otherwise.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, "\"\\ \t(),;=<>@:[]?/") {
		return v
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for _, ch := range v {
		if ch == '"' || ch == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(ch)
	}
	sb.WriteByte('"')
	return sb.String()
}

// forgedAuthRes reports whether an incoming Authentication-Results
// field claims the given authserv-id. authres.Parse settles it for
// well-formed fields; forgeries are frequently malformed, so a
// first-token scan is the fallback rather than a pass.
func forgedAuthRes(authservID, field string) bool {
	id, _, err := authres.Parse(field)
	if err != nil {
		id = field
		if i := strings.IndexByte(id, ';'); i >= 0 {
			id = id[:i]
		}
		id = strings.TrimSpace(id)
		if i := strings.IndexAny(id, " \t"); i >= 0 {
			id = id[:i]
		}
	}
	return strings.EqualFold(strings.TrimSpace(id), authservID)
}
