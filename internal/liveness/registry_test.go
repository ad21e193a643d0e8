package liveness

import (
	"sync"
	"testing"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	if r.IsLive("run-1") {
		t.Fatalf("expected run-1 not live")
	}
	if !r.Register("run-1") {
		t.Fatalf("expected first register to succeed")
	}
	if r.Register("run-1") {
		t.Fatalf("expected duplicate register to be rejected")
	}
	if !r.IsLive("run-1") {
		t.Fatalf("expected run-1 live")
	}
	if _, ok := r.Since("run-1"); !ok {
		t.Fatalf("expected registration time")
	}
	r.Unregister("run-1")
	if r.IsLive("run-1") {
		t.Fatalf("expected run-1 not live after unregister")
	}
}

func TestConcurrentRegisterHasSingleWinner(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register("run-x") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if got := r.Live(); len(got) != 1 || got[0] != "run-x" {
		t.Fatalf("unexpected live set %v", got)
	}
}

func TestNilRegistryIsNeverLive(t *testing.T) {
	var r *Registry
	if r.IsLive("anything") {
		t.Fatalf("nil registry reported live")
	}
}
