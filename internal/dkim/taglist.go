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
	"fmt"
	"strings"
)

// tagSpec is one row of a tag-list parsing table. The handler receives
// the tag value with surrounding whitespace removed and the ordinal of
// the tag within the record (some records constrain which tag comes
// first).
type tagSpec struct {
	name     string
	required bool
	handler  func(value string, ordinal int) error
}

// parseTagList parses the tag=value;... syntax shared by DKIM-Signature
// fields, DKIM key records, ADSP and ATPS records (RFC 6376, Section
// 3.2). Unknown tags are skipped, duplicated ones are an error, and
// required tags are audited after the walk.
//
// allowFWS selects between the DKIM-Signature grammar, where folding
// whitespace may surround and split tokens, and the DNS-record grammar
// where only SP/HTAB is tolerated.
func parseTagList(s string, allowFWS bool, specs []tagSpec) error {
	cutset := " \t"
	if allowFWS {
		cutset = " \t\r\n"
	}

	seen := make(map[string]bool, len(specs))

	segments := strings.Split(s, ";")
	for i, seg := range segments {
		trimmed := strings.Trim(seg, cutset)
		if trimmed == "" {
			// A single trailing ; is allowed by the grammar.
			if i == len(segments)-1 {
				break
			}
			return fmt.Errorf("dkim: empty tag at position %d", i)
		}

		name, value, found := strings.Cut(trimmed, "=")
		if !found {
			return fmt.Errorf("dkim: malformed tag at position %d", i)
		}
		name = strings.Trim(name, cutset)
		value = strings.Trim(value, cutset)
		if name == "" {
			return fmt.Errorf("dkim: empty tag name at position %d", i)
		}
		if !allowFWS && strings.ContainsAny(trimmed, "\r\n") {
			return fmt.Errorf("dkim: CR or LF in a tag where folding is not permitted")
		}

		if seen[name] {
			return fmt.Errorf("dkim: duplicated tag: %v", name)
		}
		seen[name] = true

		for _, spec := range specs {
			if spec.name != name {
				continue
			}
			if err := spec.handler(value, i); err != nil {
				return err
			}
			break
		}
	}

	for _, spec := range specs {
		if spec.required && !seen[spec.name] {
			return fmt.Errorf("dkim: required tag missing: %v", spec.name)
		}
	}
	return nil
}
