package gateway

import (
	"context"
	"fmt"
	"slices"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/methods"
	"github.com/basket/go-claw-gateway/internal/protocol"
)

// ApplyConfig swaps in a reloaded configuration. Auth, limits, origins and
// wake triggers apply immediately; listener addresses only on restart.
// A configuration that would be unsafe on the current bind is refused and
// the previous one stays in force.
func (s *Server) ApplyConfig(ctx context.Context, next config.Config) error {
	prev := s.currentSettings()
	next.BindAddr = prev.BindAddr
	authCfg := authConfig(next.Auth)
	if err := auth.CheckBind(prev.BindAddr, authCfg); err != nil {
		return fmt.Errorf("reload refused: %w", err)
	}
	if err := s.auth.Update(authCfg); err != nil {
		return fmt.Errorf("reload refused: %w", err)
	}
	if next.Bridge != prev.Bridge {
		s.logger.Warn("bridge settings change needs a restart",
			"enabled", next.Bridge.Enabled, "bind_addr", next.Bridge.BindAddr)
		next.Bridge = prev.Bridge
	}

	s.cfgMu.Lock()
	s.settings = next
	s.cfgMu.Unlock()

	if next.Limits != prev.Limits {
		if err := s.registerMaintenance(); err != nil {
			s.logger.Warn("reschedule periodic jobs", "error", err)
		}
	}
	if !slices.Equal(next.Voicewake.Triggers, prev.Voicewake.Triggers) {
		triggers, err := methods.SaveTriggers(ctx, s.store, next.Voicewake.Triggers, prev.Voicewake.Triggers)
		if err != nil {
			return fmt.Errorf("store wake triggers: %w", err)
		}
		s.Emit(protocol.EventVoicewakeChanged, bus.VoicewakeChanged{Triggers: triggers}, false)
	}
	s.logger.Info("config reloaded", "fingerprint", next.Fingerprint(), "auth_mode", s.auth.Mode())
	return nil
}

// WatchConfig reloads the config file each time the watcher reports a
// change, until ctx is done or the watcher stops.
func (s *Server) WatchConfig(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.LoadFile(ev.Path)
			if err != nil {
				s.logger.Warn("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			next.HomeDir = s.currentSettings().HomeDir
			if err := s.ApplyConfig(ctx, next); err != nil {
				s.logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			}
		}
	}
}
