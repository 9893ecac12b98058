package stats

import (
	"reflect"
	"sync"
	"testing"

	"github.com/emersion/go-msgauth/authres"
)

func TestGrid(t *testing.T) {
	g := New()
	g.Inc(MethodSPF, authres.ResultPass)
	g.Inc(MethodSPF, authres.ResultPass)
	g.Inc(MethodSPF, authres.ResultFail)
	g.Inc(MethodDMARC, authres.ResultNone)

	snap := g.Snapshot()
	if snap[MethodSPF]["pass"] != 2 || snap[MethodSPF]["fail"] != 1 {
		t.Errorf("spf row: %v", snap[MethodSPF])
	}
	if snap[MethodDMARC]["none"] != 1 {
		t.Errorf("dmarc row: %v", snap[MethodDMARC])
	}
	if got := snap.Scores(MethodSPF); !reflect.DeepEqual(got, []string{"fail", "pass"}) {
		t.Errorf("scores: %v", got)
	}

	// The snapshot is detached from the live grid.
	g.Inc(MethodSPF, authres.ResultPass)
	if snap[MethodSPF]["pass"] != 2 {
		t.Error("snapshot changed after Inc")
	}
}

func TestGridReset(t *testing.T) {
	g := New()
	g.Inc(MethodDKIM, authres.ResultPass)

	snap := g.Reset()
	if snap[MethodDKIM]["pass"] != 1 {
		t.Errorf("pre-reset snapshot: %v", snap[MethodDKIM])
	}
	if after := g.Snapshot(); len(after[MethodDKIM]) != 0 {
		t.Errorf("grid not zeroed: %v", after[MethodDKIM])
	}
}

func TestGridConcurrent(t *testing.T) {
	g := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				g.Inc(MethodSPF, authres.ResultPass)
			}
		}()
	}
	wg.Wait()

	if n := g.Snapshot()[MethodSPF]["pass"]; n != 8000 {
		t.Errorf("got %d increments, want 8000", n)
	}
}
