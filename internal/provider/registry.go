package provider

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/workspace/agent-bridge/internal/logging"
)

// Registry holds the active adapters and the session routes between them.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	infos    map[string]Info
	initErrs map[string]error
	routes   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		adapters: make(map[string]Adapter),
		infos:    make(map[string]Info),
		initErrs: make(map[string]error),
		routes:   make(map[string]string),
	}
}

// Register adds an adapter. Ids must be unique and must not prefix each
// other, since the id is the external prefix of every session id.
func (r *Registry) Register(a Adapter) error {
	id := a.ID()
	if id == "" {
		return fmt.Errorf("register adapter: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("register adapter %q: already registered", id)
	}
	for _, other := range r.order {
		if strings.HasPrefix(other, id) || strings.HasPrefix(id, other) {
			return fmt.Errorf("register adapter %q: %w with %q", id, ErrPrefixCollision, other)
		}
	}
	r.adapters[id] = a
	r.order = append(r.order, id)
	return nil
}

// Adapter returns the adapter registered under id.
func (r *Registry) Adapter(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Adapters returns every adapter in registration order.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Ready reports whether the adapter initialized successfully.
func (r *Registry) Ready(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.infos[id]
	return ok
}

// InitError returns the error recorded for a failed adapter.
func (r *Registry) InitError(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initErrs[id]
}

// InitializeAll initializes every adapter concurrently. A failure is logged
// and recorded against that adapter only; the rest carry on.
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	adapters := r.Adapters()

	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			info, err := a.Initialize(ctx)

			r.mu.Lock()
			if err != nil {
				r.initErrs[a.ID()] = err
				delete(r.infos, a.ID())
			} else {
				delete(r.initErrs, a.ID())
				r.infos[a.ID()] = info
			}
			r.mu.Unlock()

			if err != nil {
				r.logger.Error("Provider failed to initialize", "provider", a.ID(), "error", err)
				mu.Lock()
				errs[a.ID()] = err
				mu.Unlock()
				return
			}
			r.logger.Info("Provider ready", "provider", a.ID(), "models", len(info.Models))
		}(a)
	}
	wg.Wait()
	return errs
}

// Infos returns the cached info of ready adapters in registration order.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.infos))
	for _, id := range r.order {
		if info, ok := r.infos[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

// ListModels aggregates live model lists from every ready adapter, tagged by
// provider. An adapter whose live query fails contributes its cached list.
func (r *Registry) ListModels(ctx context.Context) []Model {
	var out []Model
	for _, info := range r.Infos() {
		a, ok := r.Adapter(info.ID)
		if !ok {
			continue
		}
		models, err := a.ListModels(ctx)
		if err != nil {
			r.logger.Warn("Live model list failed, using cached", "provider", info.ID, "error", err)
			models = info.Models
		}
		for _, m := range models {
			m.Provider = info.ID
			out = append(out, m)
		}
	}
	return out
}

// CreateSession asks adapter a for a session and records its route.
func (r *Registry) CreateSession(ctx context.Context, a Adapter, opts SessionOptions) (Session, error) {
	if !r.Ready(a.ID()) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotReady, a.ID())
	}
	s, err := a.CreateSession(ctx, opts)
	if err != nil {
		return Session{}, err
	}
	if err := r.Track(s); err != nil {
		logging.BestEffort("destroy untrackable session", boolErr(a.DestroySession(ctx, s.ID)), "sessionID", s.ID)
		return Session{}, err
	}
	return s, nil
}

// DestroySession destroys a session through its owning adapter and drops its
// route. It reports false for unknown sessions.
func (r *Registry) DestroySession(ctx context.Context, sessionID string) bool {
	a, ok := r.ResolveSession(sessionID)
	if !ok {
		return false
	}
	destroyed := a.DestroySession(ctx, sessionID)
	r.Untrack(sessionID)
	return destroyed
}

// Track records that s is owned by s.ProviderID. The id must carry that
// provider's prefix so it stays routable by external tooling.
func (r *Registry) Track(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[s.ProviderID]; !ok {
		return fmt.Errorf("track session %s: unknown provider %q", s.ID, s.ProviderID)
	}
	if !HasProviderPrefix(s.ID, s.ProviderID) {
		return fmt.Errorf("track session %s: id lacks provider prefix %q", s.ID, s.ProviderID)
	}
	r.routes[s.ID] = s.ProviderID
	return nil
}

// Untrack forgets a session route.
func (r *Registry) Untrack(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, sessionID)
}

// ResolveSession returns the adapter that created sessionID.
func (r *Registry) ResolveSession(sessionID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.routes[sessionID]
	if !ok {
		return nil, false
	}
	a, ok := r.adapters[id]
	return a, ok
}

// Sessions lists every live session across adapters.
func (r *Registry) Sessions() []Session {
	var out []Session
	for _, a := range r.Adapters() {
		out = append(out, a.Sessions()...)
	}
	return out
}

// First returns the first registered adapter that is ready.
func (r *Registry) First() (Adapter, bool) {
	for _, a := range r.Adapters() {
		if r.Ready(a.ID()) {
			return a, true
		}
	}
	return nil, false
}

var reasoningModel = regexp.MustCompile(`^o\d`)

// KindForModel guesses the backend family from a model name: OpenAI
// reasoning and codex models go to the app-server backend, mainstream chat
// families go to the SDK backend.
func KindForModel(model string) (Kind, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "", false
	case strings.Contains(m, "codex"), reasoningModel.MatchString(m):
		return KindAppServer, true
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "claude-"), strings.HasPrefix(m, "gemini-"):
		return KindSDK, true
	}
	return "", false
}

// ResolveForModel picks a ready adapter for model using KindForModel. Among
// adapters of that kind, one that lists the model wins over the first.
func (r *Registry) ResolveForModel(model string) (Adapter, bool) {
	kind, ok := KindForModel(model)
	if !ok {
		return nil, false
	}
	var fallback Adapter
	for _, a := range r.Adapters() {
		if a.Kind() != kind || !r.Ready(a.ID()) {
			continue
		}
		for _, m := range a.Info().Models {
			if strings.EqualFold(m.ID, model) {
				return a, true
			}
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback, fallback != nil
}

// ShutdownAll shuts down every adapter independently, logging failures, then
// clears all state.
func (r *Registry) ShutdownAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range r.Adapters() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			logging.BestEffort("shutdown provider", a.Shutdown(ctx), "provider", a.ID())
		}(a)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[string]Adapter)
	r.order = nil
	r.infos = make(map[string]Info)
	r.initErrs = make(map[string]error)
	r.routes = make(map[string]string)
}

func boolErr(ok bool) error {
	if ok {
		return nil
	}
	return fmt.Errorf("operation reported failure")
}
