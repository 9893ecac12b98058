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

package main

import (
	minoscli "github.com/foxcpp/minos/internal/cli"

	// Imported for side effect of command and module registration.
	_ "github.com/foxcpp/minos"
	_ "github.com/foxcpp/minos/internal/authctx"
	_ "github.com/foxcpp/minos/internal/cli/ctl"
	_ "github.com/foxcpp/minos/internal/endpoint/ctl"
	_ "github.com/foxcpp/minos/internal/endpoint/milter"
	_ "github.com/foxcpp/minos/internal/endpoint/openmetrics"
	_ "github.com/foxcpp/minos/internal/tls"
)

func main() {
	minoscli.Run()
}
