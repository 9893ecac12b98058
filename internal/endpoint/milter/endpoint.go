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

// Package milter implements the milter endpoint: the daemon side of
// the sendmail filter protocol that authenticates each message and
// stamps the verdict into an Authentication-Results field.
package milter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/emersion/go-milter"
	"github.com/foxcpp/minos/framework/config"
	tls2 "github.com/foxcpp/minos/framework/config/tls"
	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/framework/module"
	"github.com/foxcpp/minos/internal/authctx"
	"github.com/foxcpp/minos/internal/conncount"
	"github.com/foxcpp/minos/internal/proxy_protocol"
)

const modName = "milter"

type Endpoint struct {
	addrs []string
	log   log.Logger

	manager *authctx.Manager

	tlsConfig     *tls.Config
	proxyProtocol *proxy_protocol.ProxyProtocol

	serv      milter.Server
	conns     *conncount.Counter
	listeners []net.Listener

	listenersWg sync.WaitGroup
	stopLck     sync.Mutex
	stopped     bool
}

func New(_ string, args []string) (module.Module, error) {
	return &Endpoint{
		addrs: args,
		log:   log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
		conns: conncount.New(),
	}, nil
}

func (e *Endpoint) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &e.log.Debug)
	cfg.Custom("tls", true, false, func() (interface{}, error) {
		return (*tls.Config)(nil), nil
	}, tls2.TLSDirective, &e.tlsConfig)
	cfg.Custom("proxy_protocol", false, false, func() (interface{}, error) {
		return (*proxy_protocol.ProxyProtocol)(nil), nil
	}, proxy_protocol.ProxyProtocolDirective, &e.proxyProtocol)
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
	e.manager = a.Manager()

	endps := make([]config.Endpoint, 0, len(e.addrs))
	for _, addr := range e.addrs {
		endp, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: malformed endpoint: %v", modName, err)
		}
		endps = append(endps, endp)
	}

	if err := e.setupListeners(endps); err != nil {
		return err
	}
	addEndpoint(e)
	return nil
}

func (e *Endpoint) setupListeners(endps []config.Endpoint) error {
	e.serv.NewMilter = func() milter.Milter {
		return newSession(e)
	}
	e.serv.Actions = milter.OptAddHeader | milter.OptChangeHeader
	e.serv.Protocol = milter.OptNoRcptTo

	for _, endp := range endps {
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", modName, err)
		}
		if endp.IsTLS() {
			if e.tlsConfig == nil {
				return fmt.Errorf("%s: can't bind a TLS endpoint without TLS configuration", modName)
			}
			l = tls.NewListener(l, e.tlsConfig)
		}
		if e.proxyProtocol != nil {
			l = proxy_protocol.NewListener(l, e.proxyProtocol, e.log)
		}
		l = countedListener{Listener: l, conns: e.conns}
		e.listeners = append(e.listeners, l)

		e.log.Printf("listening on %v", endp.String())
		e.listenersWg.Add(1)
		go func(endp config.Endpoint, l net.Listener) {
			defer e.listenersWg.Done()
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, milter.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				e.log.Error("serve failed", err, "endpoint", endp.String())
			}
		}(endp, l)
	}
	return nil
}

func (e *Endpoint) Name() string {
	return modName
}

func (e *Endpoint) InstanceName() string {
	return ""
}

// StopAccepting closes the listeners. Established milter connections
// run to completion; ConnsDone is the barrier for them.
func (e *Endpoint) StopAccepting() {
	e.stopLck.Lock()
	defer e.stopLck.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true

	if err := e.serv.Close(); err != nil {
		e.log.Error("listener close failed", err)
	}
	e.listenersWg.Wait()
	e.conns.Done() // the accept reference
}

// ConnsDone blocks until every established connection is closed.
// StopAccepting must have been called, otherwise this cannot happen.
func (e *Endpoint) ConnsDone(ctx context.Context) error {
	return e.conns.Wait(ctx)
}

func (e *Endpoint) Close() error {
	e.StopAccepting()
	removeEndpoint(e)
	return nil
}

// The live-endpoint registry gives the control channel something to
// address GRACEFUL at without a module-instance name to look up
// (endpoint modules are not registered in the instance registry).
var (
	endpointsLck sync.Mutex
	endpoints    []*Endpoint
)

func addEndpoint(e *Endpoint) {
	endpointsLck.Lock()
	defer endpointsLck.Unlock()
	endpoints = append(endpoints, e)
}

func removeEndpoint(e *Endpoint) {
	endpointsLck.Lock()
	defer endpointsLck.Unlock()
	for i, cand := range endpoints {
		if cand == e {
			endpoints = append(endpoints[:i], endpoints[i+1:]...)
			break
		}
	}
}

func liveEndpoints() []*Endpoint {
	endpointsLck.Lock()
	defer endpointsLck.Unlock()
	return append([]*Endpoint(nil), endpoints...)
}

// GracefulAll stops accepting milter connections on every live
// endpoint. Established connections keep running.
func GracefulAll() {
	for _, e := range liveEndpoints() {
		e.StopAccepting()
	}
}

// WaitIdle blocks until every live endpoint has no established
// connections left. Meaningful only after GracefulAll.
func WaitIdle(ctx context.Context) error {
	for _, e := range liveEndpoints() {
		if err := e.ConnsDone(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ActiveConnections reports the connection references across all live
// endpoints, including one accept reference per endpoint still
// listening. Diagnostic value only.
func ActiveConnections() int64 {
	var n int64
	for _, e := range liveEndpoints() {
		n += e.conns.Value()
	}
	return n
}

type countedListener struct {
	net.Listener
	conns *conncount.Counter
}

func (l countedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if !l.conns.Add() {
		// Drained counter: the endpoint is past its graceful stop.
		c.Close()
		return nil, net.ErrClosed
	}
	return &countedConn{Conn: c, conns: l.conns}, nil
}

type countedConn struct {
	net.Conn
	conns *conncount.Counter
	once  sync.Once
}

func (c *countedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.conns.Done)
	return err
}

func init() {
	module.RegisterEndpoint(modName, New)
}
