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

// Package ctl implements the administrative control channel: a line
// oriented protocol over a local socket for counter inspection,
// configuration reload and shutdown orchestration.
//
// Requests are a verb with an optional /plain or /json format selector
// and are answered with "NNN text" lines, 200 for success and 500 for
// errors. Multi-line counter reports are closed by a "." line.
package ctl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/foxcpp/minos/framework/config"
	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/framework/module"
	"github.com/foxcpp/minos/internal/authctx"
	"github.com/foxcpp/minos/internal/endpoint/milter"
	"github.com/foxcpp/minos/internal/stats"
)

const modName = "ctl"

// Op is a process-level request made over the control channel that the
// main loop has to act on.
type Op int

const (
	// OpGraceful: milter listeners are already stopped, wait for the
	// established connections to drain, then exit.
	OpGraceful Op = iota

	// OpShutdown: exit without waiting.
	OpShutdown
)

var ops = make(chan Op, 2)

// Ops delivers control channel requests that affect the whole process.
// The main loop selects on it next to the OS signal channel.
func Ops() <-chan Op {
	return ops
}

func notify(op Op) {
	select {
	case ops <- op:
	default:
		// A request is already pending, the main loop will get there.
	}
}

type Endpoint struct {
	addrs []string
	log   log.Logger

	auth *authctx.Auth

	listeners   []net.Listener
	listenersWg sync.WaitGroup

	connsLck sync.Mutex
	conns    map[net.Conn]struct{}
}

func New(_ string, args []string) (module.Module, error) {
	return &Endpoint{
		addrs: args,
		log:   log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
		conns: make(map[net.Conn]struct{}),
	}, nil
}

func (e *Endpoint) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &e.log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	authMod, err := module.GetInstance("auth")
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	a, ok := authMod.(*authctx.Auth)
	if !ok {
		return fmt.Errorf("%s: auth instance has unexpected type", modName)
	}
	e.auth = a

	endps := make([]config.Endpoint, 0, len(e.addrs))
	for _, addr := range e.addrs {
		endp, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: malformed endpoint: %v", modName, err)
		}
		if endp.IsTLS() {
			return fmt.Errorf("%s: TLS is not supported for the control socket", modName)
		}
		endps = append(endps, endp)
	}
	return e.setupListeners(endps)
}

func (e *Endpoint) setupListeners(endps []config.Endpoint) error {
	for _, endp := range endps {
		if endp.Scheme == "unix" {
			// A leftover socket file from an unclean stop would fail the
			// bind below.
			if err := os.Remove(endp.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%s: %w", modName, err)
			}
		}
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", modName, err)
		}
		e.listeners = append(e.listeners, l)

		e.log.Printf("listening on %v", endp.String())
		e.listenersWg.Add(1)
		go func() {
			defer e.listenersWg.Done()
			e.serve(l)
		}()
	}
	return nil
}

func (e *Endpoint) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Error("accept failed", err)
			}
			return
		}
		go e.serveConn(conn)
	}
}

func (e *Endpoint) serveConn(conn net.Conn) {
	defer conn.Close()
	e.trackConn(conn, true)
	defer e.trackConn(conn, false)

	w := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		keep := e.command(w, line)
		if err := w.Flush(); err != nil || !keep {
			return
		}
	}
}

// command handles one request line and reports whether the connection
// should be kept open.
func (e *Endpoint) command(w *bufio.Writer, line string) bool {
	verb := line
	arg := ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		verb, arg = line[:i], strings.TrimSpace(line[i+1:])
	}

	// The format selector is accepted both attached (SHOW-COUNTER/json)
	// and as a separate token (SHOW-COUNTER /json).
	format := ""
	if i := strings.IndexByte(verb, '/'); i >= 0 {
		verb, format = verb[:i], verb[i+1:]
	} else if strings.HasPrefix(arg, "/") {
		format = arg[1:]
		if i := strings.IndexAny(format, " \t"); i >= 0 {
			format = format[:i]
		}
	}

	switch strings.ToUpper(verb) {
	case "SHOW-COUNTER":
		e.writeCounters(w, e.auth.Stats().Snapshot(), format)
	case "RESET-COUNTER":
		// Snapshot-and-zero is atomic, concurrent sessions cannot slip
		// an increment between the report and the reset.
		e.writeCounters(w, e.auth.Stats().Reset(), format)
	case "RELOAD":
		if err := e.auth.Reload(); err != nil {
			e.log.Error("reload failed", err)
			reply(w, "500 "+err.Error())
		} else {
			reply(w, "200 reloaded")
		}
	case "GRACEFUL":
		e.log.Msg("graceful stop requested over control channel")
		milter.GracefulAll()
		notify(OpGraceful)
		reply(w, "200 graceful stop initiated")
	case "SHUTDOWN":
		e.log.Msg("shutdown requested over control channel")
		notify(OpShutdown)
		reply(w, "200 shutting down")
	case "QUIT":
		reply(w, "200 bye")
		return false
	default:
		reply(w, "500 unknown command")
	}
	return true
}

type counterReport struct {
	Method string            `json:"method"`
	Counts map[string]uint64 `json:"counts"`
}

func (e *Endpoint) writeCounters(w *bufio.Writer, snap stats.Snapshot, format string) {
	switch format {
	case "", "plain":
		reply(w, "200 OK")
		for _, method := range stats.Methods {
			for _, score := range snap.Scores(method) {
				reply(w, fmt.Sprintf("%s-%s: %d", method, score, snap[method][score]))
			}
		}
		reply(w, ".")
	case "json":
		reply(w, "200 OK")
		for _, method := range stats.Methods {
			if len(snap[method]) == 0 {
				continue
			}
			line, err := json.Marshal(counterReport{Method: method, Counts: snap[method]})
			if err != nil {
				continue
			}
			reply(w, string(line))
		}
		reply(w, ".")
	default:
		reply(w, "500 unknown format: "+format)
	}
}

func reply(w *bufio.Writer, line string) {
	w.WriteString(line)
	w.WriteString("\r\n")
}

func (e *Endpoint) trackConn(conn net.Conn, add bool) {
	e.connsLck.Lock()
	defer e.connsLck.Unlock()
	if add {
		e.conns[conn] = struct{}{}
	} else {
		delete(e.conns, conn)
	}
}

func (e *Endpoint) Name() string {
	return modName
}

func (e *Endpoint) InstanceName() string {
	return ""
}

func (e *Endpoint) Close() error {
	for _, l := range e.listeners {
		l.Close()
	}
	e.listenersWg.Wait()

	e.connsLck.Lock()
	for conn := range e.conns {
		conn.Close()
	}
	e.connsLck.Unlock()
	return nil
}

func init() {
	module.RegisterEndpoint(modName, New)
}
