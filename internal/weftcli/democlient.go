package weftcli

import (
	"context"
	"sync"
	"time"

	"weft/plugin/statuspublisher"
)

// demoClient is a hand-written in-memory stand-in for the external commit
// status system, which `weft run`/`weft graph` always use in place of a
// real client. It is not a test fake; it exists so the CLI has something
// real to evaluate against without requiring network access.
type demoClient struct {
	mu       sync.Mutex
	statuses map[statuspublisher.Ref]statuspublisher.Status
}

func newDemoClient(refs []string) *demoClient {
	c := &demoClient{statuses: make(map[statuspublisher.Ref]statuspublisher.Status)}
	for _, r := range refs {
		c.statuses[statuspublisher.Ref(r)] = statuspublisher.Status{
			State:       "pending",
			Description: "awaiting first check",
		}
	}
	return c
}

func (c *demoClient) FetchStatus(ctx context.Context, ref statuspublisher.Ref) (statuspublisher.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[ref], nil
}

func (c *demoClient) PublishStatus(ctx context.Context, ref statuspublisher.Ref, status statuspublisher.Status) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[ref] = status
	return "demo-job-" + string(ref), nil
}

func (c *demoClient) ListOpenRefs(ctx context.Context, cursor string) ([]statuspublisher.Ref, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor != "" {
		return nil, "", nil
	}
	refs := make([]statuspublisher.Ref, 0, len(c.statuses))
	for r := range c.statuses {
		refs = append(refs, r)
	}
	return refs, "", nil
}

func (c *demoClient) FetchToken(ctx context.Context, account string) (string, time.Time, error) {
	return "demo-token", time.Now().Add(time.Hour), nil
}
