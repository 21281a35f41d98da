package config

import (
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
)

// targetNamespace is the uuid namespace of target ids.
var targetNamespace = uuid.MustParse("6f1c3a52-8e0b-4d55-9b7e-0f4d2c6a91e3")

// TargetID returns the id of the daemon configuration. Equal configurations
// have equal ids across restarts.
func (c *Config) TargetID() string {
	data, err := json.Marshal(c.Daemon)
	if err != nil {
		// DaemonConfig holds only strings, numbers and string maps.
		panic(err)
	}
	return uuid.NewSHA1(targetNamespace, data).String()
}

type snapshot struct {
	cfg      *Config
	targetID string
}

// Holder publishes the current configuration to concurrent readers.
type Holder struct {
	current atomic.Pointer[snapshot]
}

// NewHolder creates a holder of cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.Set(cfg)
	return h
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	return h.current.Load().cfg
}

// Set replaces the current configuration and reports whether the target
// id changed.
func (h *Holder) Set(cfg *Config) bool {
	next := &snapshot{cfg: cfg, targetID: cfg.TargetID()}
	prev := h.current.Swap(next)
	return prev == nil || prev.targetID != next.targetID
}

// TargetID returns the target id of the current configuration.
func (h *Holder) TargetID() string {
	return h.current.Load().targetID
}
