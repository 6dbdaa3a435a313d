package main

import (
	"log/slog"

	"github.com/kstaniek/go-ctucan/internal/hub"
)

// initHub builds the hub from validated config; an unknown policy falls
// back to drop.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", p)
	}
	h := hub.New(hub.WithBuffer(cfg.hubBuffer), hub.WithPolicy(p))
	l.Info("hub_config", "policy", h.Policy(), "buffer", h.Buffer())
	return h
}
