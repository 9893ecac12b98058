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

// Package ctl implements the client side of the control socket
// protocol, exposed as the 'minos ctl' command family.
package ctl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/minos"
	parser "github.com/foxcpp/minos/framework/cfgparser"
	"github.com/foxcpp/minos/framework/config"
	minoscli "github.com/foxcpp/minos/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	minoscli.AddSubcommand(&cli.Command{
		Name:  "ctl",
		Usage: "Control a running daemon",
		Description: `These commands talk to the control socket of a running daemon.

The socket location is taken from the ctl directive of the configuration
file unless overridden with --socket.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file to read the ctl directive from",
				EnvVars: []string{"MINOS_CONFIG"},
				Value:   filepath.Join(minos.ConfigDirectory, "minos.conf"),
			},
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "Control socket endpoint (e.g. unix:///run/minos/minos.ctl)",
				EnvVars: []string{"MINOS_CTLSOCK"},
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:  "show-counter",
				Usage: "Report per-mechanism result counters",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx *cli.Context) error {
					return counterCmd(ctx, "SHOW-COUNTER")
				},
			},
			{
				Name:  "reset-counter",
				Usage: "Report per-mechanism result counters and zero them",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx *cli.Context) error {
					return counterCmd(ctx, "RESET-COUNTER")
				},
			},
			{
				Name:  "reload",
				Usage: "Reload the authentication configuration",
				Action: func(ctx *cli.Context) error {
					return simpleCmd(ctx, "RELOAD")
				},
			},
			{
				Name:  "graceful",
				Usage: "Stop accepting milter connections, exit once the active ones drain",
				Action: func(ctx *cli.Context) error {
					return simpleCmd(ctx, "GRACEFUL")
				},
			},
			{
				Name:  "shutdown",
				Usage: "Stop the daemon without waiting for milter connections",
				Action: func(ctx *cli.Context) error {
					return simpleCmd(ctx, "SHUTDOWN")
				},
			},
		},
	})
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Report counters as JSON objects, one per mechanism",
	}
}

func counterCmd(ctx *cli.Context, verb string) error {
	if ctx.Bool("json") {
		verb += " /json"
	}
	return roundTrip(ctx, verb, true)
}

func simpleCmd(ctx *cli.Context, verb string) error {
	return roundTrip(ctx, verb, false)
}

// socketEndpoint resolves the control socket location: the --socket
// flag wins, the ctl directive of the configuration file is the
// fallback.
func socketEndpoint(ctx *cli.Context) (network, address string, err error) {
	addr := ctx.String("socket")
	if addr == "" {
		cfgPath := ctx.String("config")
		f, err := os.Open(cfgPath)
		if err != nil {
			return "", "", err
		}
		defer f.Close()
		nodes, err := parser.Read(f, cfgPath)
		if err != nil {
			return "", "", err
		}
		for _, node := range nodes {
			if node.Name == "ctl" && len(node.Args) > 0 {
				addr = node.Args[0]
				break
			}
		}
		if addr == "" {
			return "", "", fmt.Errorf("no ctl directive in %s, pass --socket", cfgPath)
		}
	}

	endp, err := config.ParseEndpoint(addr)
	if err != nil {
		return "", "", err
	}
	return endp.Network(), endp.Address(), nil
}

func roundTrip(ctx *cli.Context, cmd string, multiLine bool) error {
	network, address, err := socketEndpoint(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v (is the daemon running?)", err), 2)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	status = strings.TrimRight(status, "\r\n")
	if !strings.HasPrefix(status, "200") {
		return cli.Exit(status, 1)
	}
	if !multiLine {
		fmt.Println(strings.TrimSpace(strings.TrimPrefix(status, "200")))
		return nil
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return cli.Exit("Error: connection closed mid-report", 1)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return nil
		}
		fmt.Println(line)
	}
}
