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

package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/minos/framework/log"
	"github.com/miekg/dns"
)

// ExtResolver is a thin wrapper for the miekg/dns client that implements the
// Resolver interface on top of servers listed in /etc/resolv.conf.
//
// Unlike net.DefaultResolver it gives the caller control over the per-query
// timeout and the retry count, which matters for a daemon that performs
// dozens of lookups per message on somebody else's schedule.
type ExtResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// RCodeError is returned by ExtResolver when the RCODE in response is not
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	switch err.Code {
	case dns.RcodeFormatError:
		return "dns: rcode FORMERR when looking up " + err.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + err.Name
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + err.Name
	case dns.RcodeNotImplemented:
		return "dns: rcode NOTIMP when looking up " + err.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func (e ExtResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	attempts := e.Cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		resp    *dns.Msg
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		for _, srv := range e.Cfg.Servers {
			resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
			if lastErr != nil {
				continue
			}

			if resp.Rcode != dns.RcodeSuccess {
				lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
				continue
			}

			return resp, nil
		}

		// A non-NOERROR rcode is an answer, not a transport failure.
		// Retries are for the latter only.
		if _, ok := lastErr.(RCodeError); ok {
			break
		}
	}
	return resp, lastErr
}

func (e ExtResolver) LookupAddr(ctx context.Context, addr string) (names []string, err error) {
	revAddr, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(revAddr, dns.TypePTR)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	names = make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		ptrRR, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}

		names = append(names, ptrRR.Ptr)
	}
	return names, nil
}

func (e ExtResolver) LookupHost(ctx context.Context, host string) (addrs []string, err error) {
	addrParsed, err := e.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	addrs = make([]string, 0, len(addrParsed))
	for _, addr := range addrParsed {
		addrs = append(addrs, addr.String())
	}
	return addrs, nil
}

func (e ExtResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}

		mxs = append(mxs, &net.MX{
			Host: mxRR.Mx,
			Pref: mxRR.Preference,
		})
	}
	return mxs, nil
}

func (e ExtResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	recs := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		txtRR, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}

		// Character strings of a single TXT RR are a transport detail,
		// the record is their concatenation (RFC 7208, Section 3.3).
		recs = append(recs, strings.Join(txtRR.Txt, ""))
	}
	return recs, nil
}

func (e ExtResolver) LookupIPAddr(ctx context.Context, host string) (addrs []net.IPAddr, err error) {
	// First, query IPv6.
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	aaaaFailed := false
	var v6addrs []net.IPAddr
	if err != nil {
		// Disregard the error for AAAA lookups.
		aaaaFailed = true
		log.DefaultLogger.Error("Network I/O error during AAAA lookup", err, "host", host)
	} else {
		v6addrs = make([]net.IPAddr, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			aaaaRR, ok := rr.(*dns.AAAA)
			if !ok {
				continue
			}
			v6addrs = append(v6addrs, net.IPAddr{IP: aaaaRR.AAAA})
		}
	}

	// Then repeat query with IPv4.
	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.SetEdns0(4096, false)

	resp, err = e.exchange(ctx, msg)
	var v4addrs []net.IPAddr
	if err != nil {
		if aaaaFailed {
			return nil, err
		}
		// Disregard A lookup error if AAAA succeeded.
		log.DefaultLogger.Error("Network I/O error during A lookup, using AAAA records", err, "host", host)
	} else {
		v4addrs = make([]net.IPAddr, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			aRR, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			v4addrs = append(v4addrs, net.IPAddr{IP: aRR.A})
		}
	}

	addrs = make([]net.IPAddr, 0, len(v4addrs)+len(v6addrs))
	addrs = append(addrs, v6addrs...)
	addrs = append(addrs, v4addrs...)
	return addrs, nil
}

func NewExtResolver() (*ExtResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{
		cl:  cl,
		Cfg: cfg,
	}, nil
}

// NewExtResolverTimeout is NewExtResolver with the per-query timeout and the
// transport retry count overridden.
func NewExtResolverTimeout(timeout time.Duration, attempts int) (*ExtResolver, error) {
	r, err := NewExtResolver()
	if err != nil {
		return nil, err
	}

	if timeout != 0 {
		r.cl.Timeout = timeout
		r.cl.Dialer.Timeout = timeout
	}
	if attempts != 0 {
		r.Cfg.Attempts = attempts
	}
	return r, nil
}
