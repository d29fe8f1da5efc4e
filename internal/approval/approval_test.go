package approval

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAskRoundTrip(t *testing.T) {
	ch := New(1)
	router := NewRouter(ch)
	defer router.Close()

	go func() {
		req := <-ch.Requests
		ch.Results <- Result{ToolUseID: req.ToolUseID, Decision: OptionAllow}
	}()

	res, err := router.Ask(context.Background(), Request{ToolUseID: "t1", Options: []Option{OptionAllow, OptionDeny}})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Decision != OptionAllow {
		t.Fatalf("got %v, want Allow", res.Decision)
	}
}

func TestAskOutOfOrderResults(t *testing.T) {
	ch := New(4)
	router := NewRouter(ch)
	defer router.Close()

	decisions := map[string]Option{"t1": OptionAllow, "t2": OptionDeny}
	go func() {
		// Drain two requests then answer them in reverse order. The two
		// Asks run concurrently, so the decision is keyed by ToolUseID
		// rather than by arrival position.
		req1 := <-ch.Requests
		req2 := <-ch.Requests
		ch.Results <- Result{ToolUseID: req2.ToolUseID, Decision: decisions[req2.ToolUseID]}
		ch.Results <- Result{ToolUseID: req1.ToolUseID, Decision: decisions[req1.ToolUseID]}
	}()

	var wg sync.WaitGroup
	results := make(map[string]Option)
	var mu sync.Mutex
	for _, id := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := router.Ask(context.Background(), Request{ToolUseID: id})
			if err != nil {
				t.Errorf("Ask(%s): %v", id, err)
				return
			}
			mu.Lock()
			results[id] = res.Decision
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if results["t1"] != OptionAllow || results["t2"] != OptionDeny {
		t.Fatalf("got %+v, want t1=Allow t2=Deny", results)
	}
}

func TestAskCancellation(t *testing.T) {
	ch := New(1)
	router := NewRouter(ch)
	defer router.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := router.Ask(ctx, Request{ToolUseID: "t1"})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestPendingResolve(t *testing.T) {
	p := NewPending("turn1")
	p.Add("t1")
	if !p.Resolve("t1") {
		t.Fatal("expected t1 to resolve")
	}
	if p.Resolve("t1") {
		t.Fatal("resolving twice should report false")
	}
	if p.Resolve("unknown") {
		t.Fatal("resolving an unknown id should report false")
	}
}
