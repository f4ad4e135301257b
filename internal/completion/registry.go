package completion

import (
	"context"
	"fmt"
	"strings"

	"coursechat/internal/settings"
)

type ModelLister interface {
	Models(ctx context.Context) (map[string]string, error)
}

// Registry picks the strategy for a request's resolved settings.
type Registry struct {
	models     ModelLister
	strategies map[string]Strategy
}

func NewRegistry(models ModelLister, strategies ...Strategy) *Registry {
	r := &Registry{models: models, strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Name()] = s
	}
	return r
}

// Strategy returns the assistant strategy for assistant instances. Otherwise the model list
// decides, with unknown models treated as chat.
func (r *Registry) Strategy(ctx context.Context, eff settings.Effective) (Strategy, error) {
	kind := strings.ToLower(strings.TrimSpace(eff.Type))
	switch kind {
	case settings.TypeAssistant:
	case settings.TypeChat, "":
		kind = settings.TypeChat
		if r.models != nil {
			models, err := r.models.Models(ctx)
			if err != nil {
				return nil, fmt.Errorf("load model list: %w", err)
			}
			if t := strings.ToLower(models[eff.Model]); t != "" {
				kind = t
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, eff.Type)
	}

	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
	return s, nil
}
