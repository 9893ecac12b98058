package authctx

import (
	"context"
	"crypto"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	parser "github.com/foxcpp/minos/framework/cfgparser"
	"github.com/foxcpp/minos/framework/config"
	"github.com/foxcpp/minos/internal/dnspool"
	"github.com/foxcpp/minos/internal/testutils"
)

func TestManagerSwapKeepsBorrowedContextAlive(t *testing.T) {
	first := &Context{Resolvers: dnspool.New(dnspool.Config{Size: 1})}
	second := &Context{}
	m := NewManager(first)

	session := m.Current()
	if session != first {
		t.Fatal("Current did not return the installed context")
	}

	m.Swap(second)
	if m.Current() != second {
		t.Error("Current did not return the swapped-in context")
	}
	second.Release()

	// The session still holds the old snapshot, so its pool must work.
	lease, err := session.Resolvers.Acquire(context.Background())
	if err != nil {
		t.Fatalf("pool closed while the context was still referenced: %v", err)
	}
	lease.Release()

	session.Release()
	if _, err := first.Resolvers.Acquire(context.Background()); !errors.Is(err, dnspool.ErrClosed) {
		t.Errorf("pool still open after the last reference went away: %v", err)
	}
}

func TestManagerClose(t *testing.T) {
	ctx := &Context{}
	m := NewManager(ctx)
	m.Close()
	if m.Current() != nil {
		t.Error("Current after Close is not nil")
	}
}

func TestExcluded(t *testing.T) {
	_, lo, _ := net.ParseCIDR("127.0.0.0/8")
	ctx := &Context{ExcludeNets: []net.IPNet{*lo}}
	if !ctx.Excluded(net.ParseIP("127.0.0.5")) {
		t.Error("127.0.0.5 not excluded")
	}
	if ctx.Excluded(net.ParseIP("192.0.2.1")) {
		t.Error("192.0.2.1 excluded")
	}
}

func initAuth(t *testing.T, globals map[string]interface{}, conf string) (*Auth, error) {
	t.Helper()
	nodes, err := parser.Read(strings.NewReader(conf), "test")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one block, got %d", len(nodes))
	}

	mod, err := New(modName, modName, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	a := mod.(*Auth)
	a.log = testutils.Logger(t, modName)
	return a, a.Init(config.NewMap(globals, nodes[0]))
}

func TestInit(t *testing.T) {
	pslFile := filepath.Join(t.TempDir(), "psl.dat")
	if err := os.WriteFile(pslFile, []byte("com\norg\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := initAuth(t, map[string]interface{}{"hostname": "mx.example.org"}, `auth {
		exclude_ip 127.0.0.0/8 ::1
		sender_id on
		dkim {
			max_signatures 5
			atps on
			atps_hash sha256
		}
		dmarc {
			psl_file `+pslFile+`
			reject_action tempfail
		}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx := a.Manager().Current()
	defer ctx.Release()

	if ctx.AuthservID != "mx.example.org" {
		t.Errorf("authserv-id: %v", ctx.AuthservID)
	}
	if !ctx.SPF || !ctx.SenderID {
		t.Errorf("spf=%v sender_id=%v", ctx.SPF, ctx.SenderID)
	}
	if !ctx.Excluded(net.ParseIP("127.0.0.1")) || !ctx.Excluded(net.ParseIP("::1")) {
		t.Error("exclude_ip not honored")
	}
	if ctx.DKIM.Verify.MaxSignatures != 5 || !ctx.DKIM.ATPS || ctx.DKIM.ATPSHash != crypto.SHA256 {
		t.Errorf("dkim policy: %+v", ctx.DKIM)
	}
	if !ctx.DMARC.Enable || ctx.DMARC.RejectAction != ActionTempFail {
		t.Errorf("dmarc policy: %+v", ctx.DMARC)
	}
	if ctx.PSL == nil || ctx.PSL.OrganizationalDomain("mail.example.org") != "example.org" {
		t.Error("psl index not loaded")
	}
}

func TestInit_DMARCNeedsPSL(t *testing.T) {
	_, err := initAuth(t, map[string]interface{}{"hostname": "mx.example.org"}, `auth {
		dmarc { }
	}`)
	if err == nil {
		t.Error("expected an error for dmarc without psl_file")
	}
}

func TestInit_NoAuthservID(t *testing.T) {
	_, err := initAuth(t, map[string]interface{}{}, `auth { }`)
	if err == nil {
		t.Error("expected an error without authserv_id and hostname")
	}
}
