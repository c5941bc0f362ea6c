package inbox

import "context"

type hooksKey struct{}

type commitHooks struct {
	fns []func()
}

func (h *commitHooks) run() {
	if h == nil {
		return
	}
	for _, fn := range h.fns {
		fn()
	}
}

// AfterCommit defers fn until the guard's unit of work carrying ctx commits.
// It is dropped when the transaction rolls back or is retried. Outside a
// guarded unit of work fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey{}).(*commitHooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}
