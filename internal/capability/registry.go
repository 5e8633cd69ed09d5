package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Logger   *slog.Logger
	Observer Observer
}

// entry is the tagged variant stored per name: a local entry carries its
// handler, a remote entry carries only the definition.
type entry struct {
	loc     Location
	def     Definition
	handler Handler
}

// Registry keeps two independent namespaces keyed by name. A local entry
// shadows a remote entry with the same name.
type Registry struct {
	log *slog.Logger
	obs Observer

	mu          sync.RWMutex
	local       map[string]entry
	localOrder  []string
	remote      map[string]entry
	remoteOrder []string
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Registry{
		log:    logger,
		obs:    opts.Observer,
		local:  make(map[string]entry),
		remote: make(map[string]entry),
	}
}

func (r *Registry) RegisterLocal(def Definition, h Handler) error {
	if r == nil {
		return errors.New("capability registry not initialized")
	}
	def.normalize()
	if def.Name == "" {
		return errors.New("missing capability name")
	}
	if h == nil {
		return fmt.Errorf("capability %s: nil handler", def.Name)
	}
	def.Frontend = false

	r.mu.Lock()
	if _, exists := r.local[def.Name]; !exists {
		r.localOrder = append(r.localOrder, def.Name)
	}
	r.local[def.Name] = entry{loc: LocationLocal, def: def, handler: h}
	_, clash := r.remote[def.Name]
	r.mu.Unlock()

	if clash {
		r.log.Warn("local capability shadows remote capability", "name", def.Name)
	}
	r.log.Debug("local capability registered", "name", def.Name)
	return nil
}

func (r *Registry) RegisterRemote(def Definition) error {
	if r == nil {
		return errors.New("capability registry not initialized")
	}
	def.normalize()
	if def.Name == "" {
		return errors.New("missing capability name")
	}
	r.mu.Lock()
	clash := r.setRemoteLocked(def)
	r.mu.Unlock()
	if clash {
		r.log.Warn("remote capability shadowed by local capability", "name", def.Name)
	}
	return nil
}

func (r *Registry) setRemoteLocked(def Definition) bool {
	def.Frontend = true
	if _, exists := r.remote[def.Name]; !exists {
		r.remoteOrder = append(r.remoteOrder, def.Name)
	}
	r.remote[def.Name] = entry{loc: LocationRemote, def: def}
	_, clash := r.local[def.Name]
	return clash
}

// SyncRemote replaces the remote namespace with defs.
func (r *Registry) SyncRemote(defs []Definition) {
	if r == nil {
		return
	}
	var clashes []string
	r.mu.Lock()
	r.remote = make(map[string]entry, len(defs))
	r.remoteOrder = nil
	for _, def := range defs {
		def.normalize()
		if def.Name == "" {
			continue
		}
		if r.setRemoteLocked(def) {
			clashes = append(clashes, def.Name)
		}
	}
	n := len(r.remoteOrder)
	r.mu.Unlock()

	for _, name := range clashes {
		r.log.Warn("remote capability shadowed by local capability", "name", name)
	}
	r.log.Debug("remote capabilities synced", "count", n)
}

// Unregister removes name from both namespaces.
func (r *Registry) Unregister(name string) bool {
	if r == nil {
		return false
	}
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inLocal := r.local[name]
	_, inRemote := r.remote[name]
	if inLocal {
		delete(r.local, name)
		r.localOrder = removeName(r.localOrder, name)
	}
	if inRemote {
		delete(r.remote, name)
		r.remoteOrder = removeName(r.remoteOrder, name)
	}
	return inLocal || inRemote
}

func (r *Registry) lookup(name string) (entry, bool) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.local[name]; ok {
		return e, true
	}
	if e, ok := r.remote[name]; ok {
		return e, true
	}
	return entry{}, false
}

func (r *Registry) Location(name string) Location {
	if r == nil {
		return LocationAbsent
	}
	e, ok := r.lookup(name)
	if !ok {
		return LocationAbsent
	}
	return e.loc
}

// Lookup returns the effective definition for name.
func (r *Registry) Lookup(name string) (Definition, Location, bool) {
	if r == nil {
		return Definition{}, LocationAbsent, false
	}
	e, ok := r.lookup(name)
	if !ok {
		return Definition{}, LocationAbsent, false
	}
	return cloneDefinition(e.def), e.loc, true
}

func (r *Registry) RequiresConfirmation(name string) bool {
	if r == nil {
		return false
	}
	e, ok := r.lookup(name)
	return ok && e.def.RequiresConfirmation
}

// Definitions lists local definitions then remote ones, each in registration
// order. Remote definitions shadowed by a local one are omitted.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.localOrder)+len(r.remoteOrder))
	for _, name := range r.localOrder {
		out = append(out, cloneDefinition(r.local[name].def))
	}
	for _, name := range r.remoteOrder {
		if _, shadowed := r.local[name]; shadowed {
			continue
		}
		out = append(out, cloneDefinition(r.remote[name].def))
	}
	return out
}

// ExecuteLocal runs a local capability and never panics or returns an error:
// every failure is reported in the Result.
func (r *Registry) ExecuteLocal(ctx context.Context, name string, args map[string]any, ec ExecContext) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if r == nil {
		return Failure(CodeNotFound, fmt.Sprintf("capability %q not found", name))
	}
	r.mu.RLock()
	e, ok := r.local[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(CodeNotFound, fmt.Sprintf("capability %q not found", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	started := time.Now()
	res := r.execute(ctx, e, args, ec)
	if r.obs != nil {
		r.obs.ObserveExecution(name, res.Success, res.Code, time.Since(started).Seconds())
	}
	if !res.Success {
		r.log.Debug("local capability failed", "name", name, "code", res.Code, "error", res.Error, "thread_id", ec.ThreadID, "run_id", ec.RunID)
	}
	return res
}

func (r *Registry) execute(ctx context.Context, e entry, args map[string]any, ec ExecContext) (res Result) {
	if err := ValidateArgs(e.def, args); err != nil {
		return Failure(CodeInvalidArgs, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return Failure(CodeCanceled, err.Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("local capability panicked", "name", e.def.Name, "panic", rec)
			res = Failure(CodePanic, fmt.Sprintf("capability %s panicked: %v", e.def.Name, rec))
		}
	}()

	out, err := e.handler(ctx, args, ec)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Failure(CodeCanceled, err.Error())
		}
		if errors.Is(err, ErrInvalidArgs) {
			return Failure(CodeInvalidArgs, err.Error())
		}
		return Failure(CodeExecutionFailed, err.Error())
	}
	if !out.Success && out.Code == "" {
		out.Code = CodeExecutionFailed
		if strings.TrimSpace(out.Error) == "" {
			out.Error = "capability failed"
		}
	}
	return out
}

func cloneDefinition(d Definition) Definition {
	out := d
	out.Parameters = make([]Parameter, len(d.Parameters))
	for i, p := range d.Parameters {
		p.Enum = append([]string(nil), p.Enum...)
		out.Parameters[i] = p
	}
	return out
}

func removeName(items []string, target string) []string {
	for i, it := range items {
		if it == target {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
