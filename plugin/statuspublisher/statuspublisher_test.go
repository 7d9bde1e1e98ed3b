package statuspublisher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClient is a hand-written stub: no mocking framework, just a struct
// implementing Client.
type fakeClient struct {
	statuses    map[Ref]Status
	tokenCalls  atomic.Int32
	tokenErr    error
	publishErr  error
	published   map[Ref]Status
	pages       [][]Ref
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses:  make(map[Ref]Status),
		published: make(map[Ref]Status),
	}
}

func (c *fakeClient) FetchStatus(ctx context.Context, ref Ref) (Status, error) {
	return c.statuses[ref], nil
}

func (c *fakeClient) PublishStatus(ctx context.Context, ref Ref, status Status) (string, error) {
	if c.publishErr != nil {
		return "", c.publishErr
	}
	c.published[ref] = status
	return "job-" + string(ref), nil
}

func (c *fakeClient) ListOpenRefs(ctx context.Context, cursor string) ([]Ref, string, error) {
	idx := 0
	if cursor != "" {
		for i := range c.pages {
			if fakeCursor(i) == cursor {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(c.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(c.pages) {
		next = fakeCursor(idx)
	}
	return c.pages[idx], next, nil
}

func fakeCursor(i int) string {
	return "page-" + string(rune('a'+i))
}

func (c *fakeClient) FetchToken(ctx context.Context, account string) (string, time.Time, error) {
	c.tokenCalls.Add(1)
	if c.tokenErr != nil {
		return "", time.Time{}, c.tokenErr
	}
	return "tok-" + account, time.Now().Add(time.Hour), nil
}

func TestTokenCacheReusesValidToken(t *testing.T) {
	client := newFakeClient()
	p := New(Config{Account: "acme"}, client)

	for i := 0; i < 5; i++ {
		if _, err := p.tokens.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if client.tokenCalls.Load() != 1 {
		t.Fatalf("FetchToken called %d times, want 1 (cached)", client.tokenCalls.Load())
	}
}

func TestTokenCacheNegativelyCachesFailure(t *testing.T) {
	client := newFakeClient()
	client.tokenErr = errors.New("unauthorized")
	p := New(Config{Account: "acme"}, client)

	_, err1 := p.tokens.Token(context.Background())
	if err1 == nil {
		t.Fatalf("expected error on first fetch")
	}
	_, err2 := p.tokens.Token(context.Background())
	if err2 == nil {
		t.Fatalf("expected error on second fetch (cooldown)")
	}
	if client.tokenCalls.Load() != 1 {
		t.Fatalf("FetchToken called %d times during cooldown, want 1", client.tokenCalls.Load())
	}
}

func TestPublishOperationRoundTrips(t *testing.T) {
	client := newFakeClient()
	p := New(Config{Account: "acme"}, client)
	op := NewPublishOperation(p)

	status := Status{State: "success", Description: "build passed"}
	outcome, err := op.Publish(context.Background(), "job-x", Ref("ref-1"), status)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if outcome != "job-ref-1" {
		t.Fatalf("outcome = %q, want job-ref-1", outcome)
	}
	if client.published[Ref("ref-1")] != status {
		t.Fatalf("published status = %+v, want %+v", client.published[Ref("ref-1")], status)
	}
}

func TestPublishOperationPropagatesTokenFailure(t *testing.T) {
	client := newFakeClient()
	client.tokenErr = errors.New("unauthorized")
	p := New(Config{Account: "acme"}, client)
	op := NewPublishOperation(p)

	_, err := op.Publish(context.Background(), "job-x", Ref("ref-1"), Status{State: "success"})
	if err == nil {
		t.Fatalf("expected Publish to fail when the token fetch fails")
	}
}

func TestListAllOpenRefsWalksEveryPage(t *testing.T) {
	client := newFakeClient()
	client.pages = [][]Ref{
		{"r1", "r2"},
		{"r3"},
	}

	refs, err := ListAllOpenRefs(context.Background(), client)
	if err != nil {
		t.Fatalf("ListAllOpenRefs: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("refs = %v, want 3 entries", refs)
	}
}

func TestMonitorReadsThroughTokenGatedClient(t *testing.T) {
	client := newFakeClient()
	client.statuses[Ref("ref-1")] = Status{State: "pending"}
	p := New(Config{Account: "acme", PollInterval: time.Hour}, client)

	m := p.NewMonitor(Ref("ref-1"))
	unsub := m.Subscribe(func() {})
	defer unsub()

	deadline := time.After(time.Second)
	for {
		if v, ok := m.Get().Value(); ok && v.State == "pending" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("monitor never surfaced the fetched status, got %s", m.Get().PP())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
