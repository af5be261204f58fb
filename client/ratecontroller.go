package client

import (
	"sync"
	"time"

	"github.com/nvshare-io/nvshare/internal/logging"
)

const (
	pendingWindowMin = 1
	pendingWindowMax = 2048

	syncDurationBig       = 10 * time.Second
	syncDurationModerate  = 1 * time.Second
)

// rateController bounds the number of kernels dispatched between forced
// synchronizations (§4.5), guarded by its own mutex independent of the
// gate's — multi-threaded applications must see consistent transitions
// of pendingWindow/kernSinceSync without contending on GPU-submission
// latency for the gate lock.
type rateController struct {
	mu            sync.Mutex
	pendingWindow int
	kernSinceSync int
	driver        Driver
	log           *logging.Logger
}

func newRateController(driver Driver) *rateController {
	return &rateController{
		pendingWindow: pendingWindowMin,
		driver:        driver,
		log:           logging.Default(),
	}
}

// afterLaunch is called after every gated kernel launch. It implements
// the adaptive window from §4.5 exactly: shrink hard on a long sync,
// ease back on a moderate one, grow on a fast one.
func (r *rateController) afterLaunch(ctx Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.kernSinceSync++
	if r.kernSinceSync < r.pendingWindow {
		return
	}

	start := time.Now()
	_ = r.driver.Synchronize(ctx)
	dur := time.Since(start)

	switch {
	case dur >= syncDurationBig:
		r.pendingWindow = pendingWindowMin
	case dur >= syncDurationModerate:
		r.pendingWindow = max(r.pendingWindow/2, pendingWindowMin)
	default:
		r.pendingWindow = min(r.pendingWindow*2, pendingWindowMax)
	}
	r.kernSinceSync = 0
	r.log.Debug("rate controller adjusted window", "sync_ms", dur.Milliseconds(), "pending_window", r.pendingWindow)
}

// resetWindow resets pendingWindow to its floor. Called from the shared
// context-sync helper invoked by both the DROP_LOCK drain and the idle
// releaser's fallback probe — every lock handover resets the rate
// controller as a side effect of that shared call path, not as part of
// afterLaunch's own measurement. Preserved exactly per SPEC_FULL.md §9.
func (r *rateController) resetWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingWindow = pendingWindowMin
	r.kernSinceSync = 0
}

func (r *rateController) window() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingWindow
}
