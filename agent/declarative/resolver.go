package declarative

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentrun/types"
)

// DefaultMaxDepth bounds the inheritance chain length.
const DefaultMaxDepth = 5

// Resolver merges a spec with its ancestor chain into one AgentSpec.
type Resolver struct {
	store    SpecStore
	maxDepth int
	logger   *zap.Logger
}

// NewResolver creates a resolver. maxDepth <= 0 means DefaultMaxDepth.
func NewResolver(store SpecStore, maxDepth int, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{
		store:    store,
		maxDepth: maxDepth,
		logger:   logger.With(zap.String("component", "spec_resolver")),
	}
}

// MaxDepth returns the configured chain length limit.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

// Resolve resolves a single spec with a throwaway session.
func (r *Resolver) Resolve(ctx context.Context, id string) (*AgentSpec, error) {
	return r.NewSession().Resolve(ctx, id)
}

// NewSession returns a session whose store lookups are cached. A workflow run
// uses one session so steps sharing ancestors read each spec once.
func (r *Resolver) NewSession() *Session {
	return &Session{
		r:     r,
		specs: make(map[string]lookupResult),
	}
}

type lookupResult struct {
	spec *PartialSpec
	err  error
}

// Session is a caching view over the resolver's store. Safe for concurrent use.
type Session struct {
	r     *Resolver
	group singleflight.Group

	mu    sync.RWMutex
	specs map[string]lookupResult
	reads int
}

// Reads returns how many store lookups the session has performed.
func (s *Session) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}

func (s *Session) lookup(ctx context.Context, id string) (*PartialSpec, error) {
	s.mu.RLock()
	res, ok := s.specs[id]
	s.mu.RUnlock()
	if ok {
		return res.spec, res.err
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		s.mu.RLock()
		res, ok := s.specs[id]
		s.mu.RUnlock()
		if ok {
			return res.spec, res.err
		}

		spec, err := s.r.store.Get(ctx, id)
		if err == nil && spec.ID != id {
			err = invalidSpec(fmt.Sprintf("store returned spec %q for id %q", spec.ID, id))
		}
		// Only definitive answers are cached; transport errors are retried next time.
		if err == nil || errors.Is(err, ErrNotFound) {
			s.mu.Lock()
			s.specs[id] = lookupResult{spec: spec, err: err}
			s.reads++
			s.mu.Unlock()
		}
		return spec, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*PartialSpec), nil
}

// Chain returns the inheritance chain of id, root first.
//
// The walk follows parent links until it reaches a root, revisits an ID, or
// misses a parent. A revisit is reported as CYCLE_DETECTED even when the
// cycle is longer than the depth limit.
func (s *Session) Chain(ctx context.Context, id string) ([]*PartialSpec, error) {
	var (
		chain   []*PartialSpec
		path    []string
		visited = make(map[string]struct{})
		missing string
		cur     = id
	)

	for cur != "" {
		if _, seen := visited[cur]; seen {
			path = append(path, cur)
			return nil, types.NewError(types.ErrCycleDetected,
				fmt.Sprintf("inheritance cycle: %s", strings.Join(path, " -> ")))
		}
		visited[cur] = struct{}{}
		path = append(path, cur)

		spec, err := s.lookup(ctx, cur)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("lookup agent spec %s: %w", cur, err)
			}
			missing = cur
			break
		}
		chain = append(chain, spec)
		cur = spec.Parent
	}

	if len(chain) > s.r.maxDepth {
		return nil, types.NewError(types.ErrDepthExceeded,
			fmt.Sprintf("inheritance chain of %q has %d levels, max %d", id, len(chain), s.r.maxDepth))
	}
	if missing != "" {
		if missing == id {
			return nil, types.NewError(types.ErrSpecNotFound,
				fmt.Sprintf("agent spec %q not found", id)).WithCause(ErrNotFound)
		}
		child := chain[len(chain)-1].ID
		return nil, types.NewError(types.ErrParentNotFound,
			fmt.Sprintf("agent spec %q: parent %q not found", child, missing)).WithCause(ErrNotFound)
	}

	slices.Reverse(chain)
	return chain, nil
}

// Resolve walks and merges the chain of id.
func (s *Session) Resolve(ctx context.Context, id string) (*AgentSpec, error) {
	chain, err := s.Chain(ctx, id)
	if err != nil {
		s.r.logger.Debug("agent spec resolution failed",
			zap.String("spec_id", id),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err),
		)
		return nil, err
	}
	spec := Merge(chain)
	s.r.logger.Debug("agent spec resolved",
		zap.String("spec_id", id),
		zap.Strings("provenance", spec.Provenance),
	)
	return spec, nil
}

// Merge flattens a root-first chain. Scalars take the nearest descendant's
// explicit value, tools are unioned in first-seen order, and metadata is
// merged key by key with descendants winning. The inputs are not modified.
func Merge(chain []*PartialSpec) *AgentSpec {
	out := &AgentSpec{
		Provenance:   make([]string, 0, len(chain)),
		Depth:        len(chain),
		FieldSources: make(map[string]string),
	}
	if len(chain) > 0 {
		out.ID = chain[len(chain)-1].ID
	}

	seenTools := make(map[string]struct{})
	for _, p := range chain {
		out.Provenance = append(out.Provenance, p.ID)

		if v, ok := p.Model.Get(); ok {
			out.Model = v
			out.FieldSources[FieldModel] = p.ID
		}
		if v, ok := p.Provider.Get(); ok {
			out.Provider = v
			out.FieldSources[FieldProvider] = p.ID
		}
		if v, ok := p.Temperature.Get(); ok {
			out.Temperature = &v
			out.FieldSources[FieldTemperature] = p.ID
		}
		if v, ok := p.MaxTokens.Get(); ok {
			out.MaxTokens = &v
			out.FieldSources[FieldMaxTokens] = p.ID
		}
		if v, ok := p.SystemPrompt.Get(); ok {
			out.SystemPrompt = v
			out.FieldSources[FieldSystemPrompt] = p.ID
		}

		for _, tool := range p.Tools {
			if _, dup := seenTools[tool]; dup {
				continue
			}
			seenTools[tool] = struct{}{}
			out.Tools = append(out.Tools, tool)
		}

		if len(p.Metadata) > 0 && out.Metadata == nil {
			out.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			out.Metadata[k] = cloneValue(v)
		}
	}
	return out
}
