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

package authctx

import (
	"crypto"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	parser "github.com/foxcpp/minos/framework/cfgparser"
	"github.com/foxcpp/minos/framework/config"
	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/framework/module"
	"github.com/foxcpp/minos/internal/dnspool"
	"github.com/foxcpp/minos/internal/psl"
	"github.com/foxcpp/minos/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
)

const modName = "auth"

// Auth is the module behind the auth{} configuration block. It owns the
// Manager the milter endpoint takes session snapshots from and the
// stats grid, which survives reloads.
type Auth struct {
	instName string
	log      log.Logger

	manager *Manager
	stats   *stats.Grid

	configPath string
	globals    map[string]interface{}
}

func New(_, instName string, _, _ []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
		stats:    stats.New(),
	}, nil
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

// Manager is valid after Init.
func (a *Auth) Manager() *Manager {
	return a.manager
}

// Stats returns the counter grid, the one piece of state transplanted
// across reloads.
func (a *Auth) Stats() *stats.Grid {
	return a.stats
}

func (a *Auth) Init(cfg *config.Map) error {
	a.globals = cfg.Globals
	if path, ok := cfg.Globals["config_path"].(string); ok {
		a.configPath = path
	}

	ctx, err := a.buildContext(cfg)
	if err != nil {
		return err
	}
	a.manager = NewManager(ctx)

	// Duplicate registration happens only with multiple auth{} blocks,
	// which is unsupported anyway; the openmetrics endpoint then serves
	// whichever grid got there first.
	if err := prometheus.Register(a.stats); err != nil {
		a.log.DebugMsg("metrics registration skipped", "reason", err)
	}
	return nil
}

// Reload re-reads the configuration file, rebuilds the context from the
// auth{} block found there and swaps it in. Any failure along the way
// leaves the running context untouched.
func (a *Auth) Reload() error {
	if a.configPath == "" {
		return errors.New("auth: configuration file path unknown, cannot reload")
	}

	f, err := os.Open(a.configPath)
	if err != nil {
		return fmt.Errorf("auth: reload: %w", err)
	}
	defer f.Close()

	nodes, err := parser.Read(f, a.configPath)
	if err != nil {
		return fmt.Errorf("auth: reload: %w", err)
	}

	var block *config.Node
	for i, node := range nodes {
		if node.Name == modName {
			block = &nodes[i]
			break
		}
	}
	if block == nil {
		return errors.New("auth: reload: no auth block in configuration")
	}

	ctx, err := a.buildContext(config.NewMap(a.globals, *block))
	if err != nil {
		return fmt.Errorf("auth: reload: %w", err)
	}

	a.manager.Swap(ctx)
	a.log.Msg("authentication context reloaded", "authserv_id", ctx.AuthservID)
	return nil
}

func (a *Auth) Close() error {
	if a.manager != nil {
		a.manager.Close()
	}
	return nil
}

func (a *Auth) buildContext(cfg *config.Map) (*Context, error) {
	ctx := &Context{Stats: a.stats}

	var (
		poolSize     = 8
		timeout      = 5 * time.Second
		attempts     = 2
		pslFile      string
		rejectAction string
		atpsHash     string
	)
	ctx.DKIM = DKIMPolicy{Enable: true}
	ctx.DKIM.Verify.MinRSABits = 1024
	ctx.DKIM.Verify.ClockSkew = 5 * time.Minute
	ctx.DMARC = DMARCPolicy{
		RejectAction: ActionReject,
		RejectCode:   550,
		RejectECode:  "5.7.1",
		RejectText:   "Email rejected per DMARC policy",
	}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.String("authserv_id", false, false, "", &ctx.AuthservID)
	cfg.Custom("exclude_ip", false, false, func() (interface{}, error) {
		return []net.IPNet(nil), nil
	}, excludeIPDirective, &ctx.ExcludeNets)
	cfg.Bool("spf", false, true, &ctx.SPF)
	cfg.Bool("sender_id", false, false, &ctx.SenderID)

	cfg.Callback("resolver", func(_ *config.Map, node config.Node) error {
		sub := config.NewMap(cfg.Globals, node)
		sub.Int("pool_size", false, false, poolSize, &poolSize)
		sub.Duration("timeout", false, false, timeout, &timeout)
		sub.Int("attempts", false, false, attempts, &attempts)
		_, err := sub.Process()
		return err
	})

	cfg.Callback("dkim", func(_ *config.Map, node config.Node) error {
		sub := config.NewMap(cfg.Globals, node)
		sub.Bool("enable", false, true, &ctx.DKIM.Enable)
		sub.Int("max_signatures", false, false, 0, &ctx.DKIM.Verify.MaxSignatures)
		sub.Int("min_rsa_bits", false, false, ctx.DKIM.Verify.MinRSABits, &ctx.DKIM.Verify.MinRSABits)
		sub.Duration("clock_skew", false, false, ctx.DKIM.Verify.ClockSkew, &ctx.DKIM.Verify.ClockSkew)
		sub.Bool("accept_expired", false, false, &ctx.DKIM.Verify.AcceptExpired)
		sub.Bool("accept_future", false, false, &ctx.DKIM.Verify.AcceptFuture)
		sub.Bool("adsp", false, false, &ctx.DKIM.ADSP)
		sub.Bool("atps", false, false, &ctx.DKIM.ATPS)
		sub.Enum("atps_hash", false, false, []string{"sha1", "sha256"}, "sha1", &atpsHash)
		_, err := sub.Process()
		return err
	})

	cfg.Callback("dmarc", func(_ *config.Map, node config.Node) error {
		sub := config.NewMap(cfg.Globals, node)
		sub.Bool("enable", false, true, &ctx.DMARC.Enable)
		sub.String("psl_file", false, false, "", &pslFile)
		sub.Enum("reject_action", false, false,
			[]string{"reject", "tempfail", "discard", "none"}, "reject", &rejectAction)
		sub.Int("reject_code", false, false, ctx.DMARC.RejectCode, &ctx.DMARC.RejectCode)
		sub.String("reject_ecode", false, false, ctx.DMARC.RejectECode, &ctx.DMARC.RejectECode)
		sub.String("reject_text", false, false, ctx.DMARC.RejectText, &ctx.DMARC.RejectText)
		_, err := sub.Process()
		return err
	})

	if _, err := cfg.Process(); err != nil {
		return nil, err
	}

	if ctx.AuthservID == "" {
		hostname, _ := cfg.Globals["hostname"].(string)
		if hostname == "" {
			return nil, errors.New("auth: authserv_id is not set and no global hostname to default to")
		}
		ctx.AuthservID = hostname
	}

	switch atpsHash {
	case "", "sha1":
		ctx.DKIM.ATPSHash = crypto.SHA1
	case "sha256":
		ctx.DKIM.ATPSHash = crypto.SHA256
	}
	if ctx.DKIM.ATPS && ctx.DKIM.ATPSHash != crypto.SHA1 {
		a.log.Msg("non-standard ATPS label hash configured, interop with RFC 6541 signers will suffer",
			"hash", atpsHash)
	}

	switch rejectAction {
	case "", "reject":
		ctx.DMARC.RejectAction = ActionReject
	case "tempfail":
		ctx.DMARC.RejectAction = ActionTempFail
	case "discard":
		ctx.DMARC.RejectAction = ActionDiscard
	case "none":
		ctx.DMARC.RejectAction = ActionNone
	}

	if ctx.DMARC.Enable {
		if pslFile == "" {
			return nil, errors.New("auth: dmarc requires psl_file")
		}
		index, err := psl.LoadFile(pslFile)
		if err != nil {
			return nil, fmt.Errorf("auth: psl_file: %w", err)
		}
		ctx.PSL = index
	}

	ctx.Resolvers = dnspool.New(dnspool.Config{
		Size:     poolSize,
		Timeout:  timeout,
		Attempts: attempts,
	})
	return ctx, nil
}

// excludeIPDirective parses one or more CIDR prefixes or bare addresses
// (taken as host prefixes).
func excludeIPDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least one address or prefix")
	}

	nets := make([]net.IPNet, 0, len(node.Args))
	for _, arg := range node.Args {
		if !strings.Contains(arg, "/") {
			ip := net.ParseIP(arg)
			if ip == nil {
				return nil, config.NodeErr(node, "invalid IP address: %v", arg)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(arg)
		if err != nil {
			return nil, config.NodeErr(node, "invalid prefix: %v", arg)
		}
		nets = append(nets, *ipNet)
	}
	return nets, nil
}

func init() {
	module.Register(modName, New)
}
