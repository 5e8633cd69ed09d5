package knowledge

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Options struct {
	Logger *slog.Logger
	// OnProviderFailure is called once per failed provider during Search.
	OnProviderFailure func(provider string, err error)
}

// Registry holds knowledge providers and the currently synced readables.
// Both keep insertion order.
type Registry struct {
	log       *slog.Logger
	onFailure func(provider string, err error)

	mu            sync.RWMutex
	providers     map[string]Provider
	providerOrder []string
	readables     map[string]Readable
	readableOrder []string
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Registry{
		log:       logger,
		onFailure: opts.OnProviderFailure,
		providers: make(map[string]Provider),
		readables: make(map[string]Readable),
	}
}

// RegisterProvider adds p, replacing any provider with the same name in place.
func (r *Registry) RegisterProvider(p Provider) {
	if r == nil || p == nil {
		return
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return
	}
	r.mu.Lock()
	if _, exists := r.providers[name]; !exists {
		r.providerOrder = append(r.providerOrder, name)
	}
	r.providers[name] = p
	r.mu.Unlock()
	r.log.Info("knowledge provider registered", "provider", name)
}

func (r *Registry) UnregisterProvider(name string) bool {
	if r == nil {
		return false
	}
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return false
	}
	delete(r.providers, name)
	r.providerOrder = removeString(r.providerOrder, name)
	return true
}

func (r *Registry) Provider(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.TrimSpace(name)]
	return p, ok
}

func (r *Registry) Providers() []Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providerOrder))
	for _, name := range r.providerOrder {
		out = append(out, r.providers[name])
	}
	return out
}

// SyncReadables replaces the whole readable set with readables.
func (r *Registry) SyncReadables(readables []Readable) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.readables = make(map[string]Readable, len(readables))
	r.readableOrder = r.readableOrder[:0]
	for _, rd := range readables {
		r.setReadableLocked(rd)
	}
	n := len(r.readableOrder)
	r.mu.Unlock()
	r.log.Debug("readables synced", "count", n)
}

func (r *Registry) SetReadable(rd Readable) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setReadableLocked(rd)
}

func (r *Registry) setReadableLocked(rd Readable) {
	rd.ID = strings.TrimSpace(rd.ID)
	if rd.ID == "" {
		rd.ID = uuid.NewString()
	}
	rd.Categories = append([]string(nil), rd.Categories...)
	if _, exists := r.readables[rd.ID]; !exists {
		r.readableOrder = append(r.readableOrder, rd.ID)
	}
	r.readables[rd.ID] = rd
}

func (r *Registry) RemoveReadable(id string) bool {
	if r == nil {
		return false
	}
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.readables[id]; !ok {
		return false
	}
	delete(r.readables, id)
	r.readableOrder = removeString(r.readableOrder, id)
	return true
}

func (r *Registry) Readable(id string) (Readable, bool) {
	if r == nil {
		return Readable{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rd, ok := r.readables[strings.TrimSpace(id)]
	return rd, ok
}

func (r *Registry) Readables() []Readable {
	return r.ReadablesByCategory(nil)
}

// ReadablesByCategory returns readables tagged with any of categories, in
// insertion order. An empty category list returns every readable.
func (r *Registry) ReadablesByCategory(categories []string) []Readable {
	if r == nil {
		return nil
	}
	want := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		if c = strings.TrimSpace(c); c != "" {
			want[c] = struct{}{}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Readable, 0, len(r.readableOrder))
	for _, id := range r.readableOrder {
		rd := r.readables[id]
		if len(want) > 0 && !hasAnyCategory(rd.Categories, want) {
			continue
		}
		out = append(out, rd)
	}
	return out
}

func hasAnyCategory(categories []string, want map[string]struct{}) bool {
	for _, c := range categories {
		if _, ok := want[strings.TrimSpace(c)]; ok {
			return true
		}
	}
	return false
}

func removeString(items []string, target string) []string {
	for i, it := range items {
		if it == target {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
