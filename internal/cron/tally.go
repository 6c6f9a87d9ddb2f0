package cron

import "context"

type tallyKey struct{}

// tally collects per-kind item counts reported by a job during one run.
type tally struct {
	counts map[string]int
	order  []string
}

func withTally(ctx context.Context) (context.Context, *tally) {
	t := &tally{counts: map[string]int{}}
	return context.WithValue(ctx, tallyKey{}, t), t
}

// recordItems reports n items of kind for the running job. It is a no-op
// outside a Service run.
func recordItems(ctx context.Context, kind string, n int) {
	t, ok := ctx.Value(tallyKey{}).(*tally)
	if !ok || n <= 0 {
		return
	}
	if _, seen := t.counts[kind]; !seen {
		t.order = append(t.order, kind)
	}
	t.counts[kind] += n
}

func (t *tally) fields() map[string]any {
	out := make(map[string]any, len(t.counts))
	for kind, n := range t.counts {
		out[kind] = n
	}
	return out
}
