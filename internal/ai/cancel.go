package ai

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// cancelToken is the cooperative stop flag of one run. The run polls it at
// every emission point and after each provider turn.
type cancelToken struct {
	threadID string
	runID    string

	cancelled atomic.Bool
}

func (t *cancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// cancel reports whether this call flipped the flag.
func (t *cancelToken) cancel() bool {
	if t == nil {
		return false
	}
	return t.cancelled.CompareAndSwap(false, true)
}

// cancelRegistry tracks live runs by run id, with a per-thread index so a
// thread-wide stop reaches every concurrent run on that thread.
type cancelRegistry struct {
	mu       sync.Mutex
	byRun    map[string]*cancelToken
	byThread map[string]map[string]struct{}
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		byRun:    make(map[string]*cancelToken),
		byThread: make(map[string]map[string]struct{}),
	}
}

// register tracks a new live run. When runID is already live the existing
// registration is left untouched and ok is false; the returned token is
// detached and must not drive a run.
func (c *cancelRegistry) register(threadID string, runID string) (tok *cancelToken, ok bool) {
	tok = &cancelToken{threadID: strings.TrimSpace(threadID), runID: strings.TrimSpace(runID)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byRun[tok.runID]; exists {
		return tok, false
	}
	c.byRun[tok.runID] = tok
	runs := c.byThread[tok.threadID]
	if runs == nil {
		runs = make(map[string]struct{})
		c.byThread[tok.threadID] = runs
	}
	runs[tok.runID] = struct{}{}
	return tok, true
}

func (c *cancelRegistry) isLive(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byRun[strings.TrimSpace(runID)]
	return ok
}

// unregister removes tok if it is still the registered token for its run.
func (c *cancelRegistry) unregister(tok *cancelToken) {
	if tok == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byRun[tok.runID] != tok {
		return
	}
	c.removeLocked(tok)
}

func (c *cancelRegistry) removeLocked(tok *cancelToken) {
	delete(c.byRun, tok.runID)
	if runs := c.byThread[tok.threadID]; runs != nil {
		delete(runs, tok.runID)
		if len(runs) == 0 {
			delete(c.byThread, tok.threadID)
		}
	}
}

// stop cancels runID on threadID, or every live run of threadID when runID
// is empty. Stopped tokens are unregistered at once, so a repeated stop
// reports false.
func (c *cancelRegistry) stop(threadID string, runID string) bool {
	threadID = strings.TrimSpace(threadID)
	runID = strings.TrimSpace(runID)
	if threadID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != "" {
		tok := c.byRun[runID]
		if tok == nil || tok.threadID != threadID {
			return false
		}
		c.removeLocked(tok)
		return tok.cancel()
	}

	stopped := false
	for id := range c.byThread[threadID] {
		tok := c.byRun[id]
		if tok == nil {
			continue
		}
		c.removeLocked(tok)
		if tok.cancel() {
			stopped = true
		}
	}
	return stopped
}

func (c *cancelRegistry) liveRuns(threadID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	runs := c.byThread[strings.TrimSpace(threadID)]
	out := make([]string, 0, len(runs))
	for id := range runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
