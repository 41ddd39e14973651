package strategy

import (
	"fmt"
	"strings"

	"tradegate/internal/config"
)

type kindSpec struct {
	values map[string]float64
	times  map[string]string
	build  func(base) Strategy
}

var kinds = map[string]kindSpec{
	"orb":      {values: orbDefaults, times: orbTimes, build: func(b base) Strategy { return &orb{b} }},
	"vwap":     {values: vwapDefaults, build: func(b base) Strategy { return &vwapReversion{b} }},
	"momentum": {values: momentumDefaults, build: func(b base) Strategy { return &momentum{b} }},
	"gap":      {values: gapDefaults, times: gapTimes, build: func(b base) Strategy { return &gapAndGo{b} }},
	"eod":      {values: eodDefaults, times: eodTimes, build: func(b base) Strategy { return &eodReversal{b} }},
}

// New 根据配置构造策略，配置中的 params/times 覆盖默认值。
func New(cfg config.StrategyConfig) (Strategy, error) {
	spec, ok := kinds[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
	values := make(map[string]float64, len(spec.values))
	for k, v := range spec.values {
		values[k] = v
	}
	for k, v := range cfg.Params {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, known := spec.values[key]; !known {
			return nil, fmt.Errorf("strategy %s: unknown param %q", cfg.ID, k)
		}
		values[key] = v
	}
	times := make(map[string]int, len(spec.times))
	for k, raw := range spec.times {
		m, err := config.ParseClock(raw)
		if err != nil {
			return nil, err
		}
		times[k] = m
	}
	for k, raw := range cfg.Times {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, known := spec.times[key]; !known {
			return nil, fmt.Errorf("strategy %s: unknown time %q", cfg.ID, k)
		}
		m, err := config.ParseClock(raw)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", cfg.ID, err)
		}
		times[key] = m
	}
	b := base{
		id:      cfg.ID,
		kind:    cfg.Kind,
		symbols: append([]string(nil), cfg.Symbols...),
		params: Params{
			MaxPositions:    cfg.MaxPositions,
			SizingFraction:  cfg.SizingFraction,
			MaxTradesPerDay: cfg.MaxTradesPerDay,
			Values:          values,
			Times:           times,
		},
	}
	return spec.build(b), nil
}

// Registry 按配置顺序保存策略，顺序只影响同一 tick 内信号的先后。
type Registry struct {
	ordered  []Strategy
	byID     map[string]Strategy
	bySymbol map[string][]Strategy
}

func NewRegistry(list ...Strategy) *Registry {
	r := &Registry{
		byID:     make(map[string]Strategy, len(list)),
		bySymbol: make(map[string][]Strategy),
	}
	for _, s := range list {
		if s == nil {
			continue
		}
		if _, dup := r.byID[s.ID()]; dup {
			continue
		}
		r.ordered = append(r.ordered, s)
		r.byID[s.ID()] = s
		for _, sym := range s.Symbols() {
			r.bySymbol[sym] = append(r.bySymbol[sym], s)
		}
	}
	return r
}

// FromConfig 构造所有在配置中启用的策略。
func FromConfig(list []config.StrategyConfig) (*Registry, error) {
	out := make([]Strategy, 0, len(list))
	for _, sc := range list {
		if !sc.IsEnabled() {
			continue
		}
		s, err := New(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return NewRegistry(out...), nil
}

func (r *Registry) All() []Strategy { return append([]Strategy(nil), r.ordered...) }

func (r *Registry) Get(id string) (Strategy, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// ForSymbol 返回订阅该 symbol 的策略（注册顺序）。
func (r *Registry) ForSymbol(symbol string) []Strategy {
	return r.bySymbol[strings.ToUpper(symbol)]
}

// Symbols 返回所有被订阅的 symbol。
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for sym := range r.bySymbol {
		out = append(out, sym)
	}
	return out
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.ordered))
	for _, s := range r.ordered {
		out = append(out, s.ID())
	}
	return out
}
