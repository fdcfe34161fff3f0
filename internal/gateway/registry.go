package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Observer receives one sample per outbound provider call.
type Observer func(t Type, op string, elapsed time.Duration, ok bool)

type Deps struct {
	HTTP    *http.Client
	Timeout time.Duration
	Finder  TransactionFinder
	Log     *zap.Logger
	Observe Observer
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: d.Timeout}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Observe == nil {
		d.Observe = func(Type, string, time.Duration, bool) {}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type Factory func(cfg Config, deps Deps) (Adapter, error)

// Registry maps gateway types to constructors. Build resolves every
// configured gateway once, at startup.
type Registry struct {
	factories map[Type]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: map[Type]Factory{}}
	r.Register(TypeZarinpal, NewZarinpal)
	r.Register(TypeZibal, NewZibal)
	r.Register(TypeCardTransfer, NewCardTransfer)
	return r
}

func (r *Registry) Register(t Type, f Factory) { r.factories[t] = f }

type entry struct {
	cfg     Config
	adapter Adapter
}

// Set is the resolved, immutable collection of gateway adapters.
type Set struct {
	byID   map[int64]entry
	byType map[string]map[Type]entry
}

func (r *Registry) Build(cfgs []Config, deps Deps) (*Set, error) {
	deps = deps.withDefaults()
	s := &Set{byID: map[int64]entry{}, byType: map[string]map[Type]entry{}}
	for _, c := range cfgs {
		f, ok := r.factories[c.Type]
		if !ok {
			return nil, fmt.Errorf("%w %q (gateway id %d)", ErrUnknownType, c.Type, c.ID)
		}
		a, err := f(c, deps)
		if err != nil {
			return nil, fmt.Errorf("gateway %d (%s): %w", c.ID, c.Type, err)
		}
		e := entry{cfg: c, adapter: a}
		s.byID[c.ID] = e
		if s.byType[c.TenantID] == nil {
			s.byType[c.TenantID] = map[Type]entry{}
		}
		s.byType[c.TenantID][c.Type] = e
	}
	return s, nil
}

func (s *Set) ByID(tenantID string, id int64) (Config, Adapter, error) {
	e, ok := s.byID[id]
	if !ok || e.cfg.TenantID != tenantID {
		return Config{}, nil, ErrNotFound
	}
	return e.cfg, e.adapter, nil
}

func (s *Set) ByType(tenantID string, t Type) (Config, Adapter, error) {
	e, ok := s.byType[tenantID][t]
	if !ok {
		return Config{}, nil, ErrNotFound
	}
	return e.cfg, e.adapter, nil
}

// Available lists the tenant's active and usable gateways ordered by id.
func (s *Set) Available(tenantID string) []Config {
	var out []Config
	for _, e := range s.byType[tenantID] {
		if e.cfg.IsActive && e.adapter.IsAvailable() {
			out = append(out, e.cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseType validates a gateway type coming from a URL or config.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeZarinpal, TypeZibal, TypeCardTransfer:
		return t, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownType, s)
	}
}
