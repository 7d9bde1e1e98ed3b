// Package statuspublisher is a representative input-provider-and-cache-
// operation plugin: it polls a commit status system for the current status
// of a ref (the Input side) and publishes an updated status back to it (the
// cache.Operation side), demonstrating the full round trip the engine
// exists to coordinate. It also demonstrates the shared-resource policy for
// plugin-owned external credentials: a per-account token cache serialized
// by mutex, with a short negative-cache window on fetch failure.
package statuspublisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"weft/cache"
	"weft/input"
	"weft/monitor"
)

// Status is the commit status payload read from, and published to, the
// external system.
type Status struct {
	State       string `json:"state" yaml:"state"`
	Description string `json:"description" yaml:"description"`
	TargetURL   string `json:"target_url" yaml:"target_url"`
}

// Digest satisfies cache.Digestible.
func (s Status) Digest() string { return cache.JSONDigest(s) }

// Ref identifies a commit or pull request the status system tracks.
type Ref string

// Digest satisfies cache.Digestible.
func (r Ref) Digest() string { return string(r) }

// Config is the plugin's key/value configuration, carrying both yaml and
// json tags so it can be embedded in either a pipeline-description YAML
// document or decoded from JSON.
type Config struct {
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	Account      string        `json:"account" yaml:"account"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Client is the boundary to the external commit-status system. A real
// implementation talks to a REST or GraphQL API; tests substitute a
// hand-written fake rather than a mocking framework.
type Client interface {
	FetchStatus(ctx context.Context, ref Ref) (Status, error)
	PublishStatus(ctx context.Context, ref Ref, status Status) (jobID string, err error)
	// ListOpenRefs returns one page of refs with an open status check,
	// starting after cursor. An empty returned cursor means no further
	// pages.
	ListOpenRefs(ctx context.Context, cursor string) (refs []Ref, nextCursor string, err error)
	// FetchToken exchanges account credentials for a bearer token and its
	// expiry.
	FetchToken(ctx context.Context, account string) (token string, expiry time.Time, err error)
}

// tokenCache serializes token acquisition for one account behind a mutex
// and caches the result with expiry, refreshing at most one fetch at a
// time. A failed fetch is negatively cached for negativeCacheWindow so a
// flapping credential endpoint cannot be hammered by every read.
type tokenCache struct {
	fetch func(ctx context.Context) (string, time.Time, error)

	mu            sync.Mutex
	value         string
	expiry        time.Time
	negativeUntil time.Time
}

const negativeCacheWindow = 60 * time.Second

func newTokenCache(fetch func(ctx context.Context) (string, time.Time, error)) *tokenCache {
	return &tokenCache{fetch: fetch}
}

// Token returns a valid bearer token, fetching a fresh one if the cached
// token is absent or expired.
func (t *tokenCache) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if now.Before(t.negativeUntil) {
		return "", fmt.Errorf("statuspublisher: token fetch on cooldown until %s", t.negativeUntil)
	}
	if t.value != "" && now.Before(t.expiry) {
		return t.value, nil
	}

	v, exp, err := t.fetch(ctx)
	if err != nil {
		t.negativeUntil = now.Add(negativeCacheWindow)
		return "", fmt.Errorf("statuspublisher: fetch token: %w", err)
	}
	t.value = v
	t.expiry = exp
	return v, nil
}

// Provider wires one Client plus its per-account token cache and exposes
// both the Input side (NewMonitor) and the cache.Operation side
// (PublishOperation).
type Provider struct {
	cfg    Config
	client Client
	tokens *tokenCache
}

// New constructs a Provider for cfg/client. One Provider owns exactly one
// account's token cache, per the shared-resource policy: token acquisition
// is serialized per account, not globally.
func New(cfg Config, client Client) *Provider {
	cfg = cfg.withDefaults()
	p := &Provider{cfg: cfg, client: client}
	p.tokens = newTokenCache(func(ctx context.Context) (string, time.Time, error) {
		return client.FetchToken(ctx, cfg.Account)
	})
	return p
}

// NewMonitor builds the Input side: a monitor.Monitor[Status] that reads
// ref's current status through the token-gated client and polls on
// cfg.PollInterval.
func (p *Provider) NewMonitor(ref Ref) *monitor.Monitor[Status] {
	read := func(ctx context.Context) (Status, error) {
		if _, err := p.tokens.Token(ctx); err != nil {
			return Status{}, err
		}
		return p.client.FetchStatus(ctx, ref)
	}

	watch := func(ctx context.Context, refresh func()) (func(), error) {
		ticker := time.NewTicker(p.cfg.PollInterval)
		done := make(chan struct{})
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case <-ticker.C:
					refresh()
				}
			}
		}()
		return func() { close(done) }, nil
	}

	pp := func() string { return fmt.Sprintf("status(%s)", ref) }

	return monitor.New[Status](
		input.ID(fmt.Sprintf("statuspublisher:%s", ref)),
		read,
		watch,
		pp,
		nil,
	)
}

// PublishOperation is the cache.Operation side: publishing a new Status for
// a Ref back to the external system.
type PublishOperation struct {
	provider *Provider
}

// NewPublishOperation builds the cache.Operation that publishes statuses
// through p.
func NewPublishOperation(p *Provider) *PublishOperation {
	return &PublishOperation{provider: p}
}

// ID satisfies cache.Operation.
func (op *PublishOperation) ID() string { return "statuspublisher.publish" }

// AutoCancel satisfies cache.Operation: a superseded status publish (ref got
// a newer status before the old publish finished) should be cancelled
// rather than left to complete stale.
func (op *PublishOperation) AutoCancel() bool { return true }

// ValidFor satisfies cache.Operation: published statuses do not expire on a
// schedule — only a new status value or an explicit RequestRebuild triggers
// a republish.
func (op *PublishOperation) ValidFor() time.Duration { return 0 }

// Publish satisfies cache.Operation.
func (op *PublishOperation) Publish(ctx context.Context, job string, ref Ref, status Status) (string, error) {
	if _, err := op.provider.tokens.Token(ctx); err != nil {
		return "", err
	}
	return op.provider.client.PublishStatus(ctx, ref, status)
}

// PP satisfies cache.Operation.
func (op *PublishOperation) PP(ref Ref, status Status) string {
	return fmt.Sprintf("%s -> %s", ref, status.State)
}

// ListAllOpenRefs walks every open ref the status system currently tracks,
// calling ListOpenRefs page by page and following the returned cursor until
// it comes back empty.
func ListAllOpenRefs(ctx context.Context, client Client) ([]Ref, error) {
	var all []Ref
	cursor := ""
	for {
		refs, next, err := client.ListOpenRefs(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("statuspublisher: list open refs: %w", err)
		}
		all = append(all, refs...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
