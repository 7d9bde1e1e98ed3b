package weftcli

import (
	"weft/monitor"
	"weft/plugin/statuspublisher"
	"weft/term"
)

// buildPipeline wires one statuspublisher monitor per configured ref and
// returns a pipeline constructor suitable for engine.New (a term that
// reads every ref's current status, preserving ref order) along with the
// Provider backing it, so callers can also build the matching
// cache.Operation side for durable publishing.
func buildPipeline(cfg PipelineConfig, client statuspublisher.Client) (func() term.Term[[]statuspublisher.Status], *statuspublisher.Provider) {
	provider := statuspublisher.New(statuspublisher.Config{
		Account:      cfg.Account,
		Endpoint:     cfg.Endpoint,
		PollInterval: cfg.PollInterval,
	}, client)

	refs := make([]string, len(cfg.Refs))
	copy(refs, cfg.Refs)

	monitors := make(map[string]*monitor.Monitor[statuspublisher.Status], len(refs))
	for _, r := range refs {
		monitors[r] = provider.NewMonitor(statuspublisher.Ref(r))
	}

	pipeline := func() term.Term[[]statuspublisher.Status] {
		xs := term.Return(refs, "refs")
		return term.ListMap(xs, "status per ref", func(r string) string { return r },
			func(r string) term.Term[statuspublisher.Status] {
				return term.Primitive[statuspublisher.Status](monitors[r], r)
			})
	}
	return pipeline, provider
}
