package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

// VoicewakeKey is the kv_store key holding the global wake triggers.
const VoicewakeKey = "voicewake.triggers"

// LoadTriggers returns the stored wake triggers. An empty store is seeded
// with defaults.
func LoadTriggers(ctx context.Context, store *persistence.Store, defaults []string) ([]string, error) {
	raw, err := store.KVGet(ctx, VoicewakeKey)
	if errors.Is(err, persistence.ErrNotFound) {
		return SaveTriggers(ctx, store, defaults, nil)
	}
	if err != nil {
		return nil, err
	}
	var triggers []string
	if err := json.Unmarshal([]byte(raw), &triggers); err != nil {
		return nil, fmt.Errorf("decode voicewake triggers: %w", err)
	}
	return config.NormalizeTriggers(triggers), nil
}

// SaveTriggers normalises and stores triggers, falling back to defaults
// when nothing usable is left.
func SaveTriggers(ctx context.Context, store *persistence.Store, triggers, defaults []string) ([]string, error) {
	norm := config.NormalizeTriggers(triggers)
	if len(norm) == 0 {
		norm = config.NormalizeTriggers(defaults)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	if err := store.KVSet(ctx, VoicewakeKey, string(b)); err != nil {
		return nil, err
	}
	return norm, nil
}

func (b *Builtins) voicewakeGet(ctx context.Context, _ *Request) (any, error) {
	triggers, err := LoadTriggers(ctx, b.deps.Store, b.deps.Voicewake)
	if err != nil {
		return nil, err
	}
	return bus.VoicewakeChanged{Triggers: triggers}, nil
}

func (b *Builtins) voicewakeSet(ctx context.Context, req *Request) (any, error) {
	p, err := decodeParams[struct {
		Triggers []string `json:"triggers"`
	}](req.Params)
	if err != nil {
		return nil, err
	}
	if p.Triggers == nil {
		return nil, protocol.InvalidRequest("triggers (array) required")
	}
	triggers, err := SaveTriggers(ctx, b.deps.Store, p.Triggers, b.deps.Voicewake)
	if err != nil {
		return nil, err
	}
	payload := bus.VoicewakeChanged{Triggers: triggers}
	b.deps.Host.Emit(protocol.EventVoicewakeChanged, payload, false)
	return payload, nil
}
