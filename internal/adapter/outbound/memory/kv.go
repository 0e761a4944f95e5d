// Package memory provides in-process fallbacks for the outbound ports, used
// when no external store is configured.
package memory

import (
	"context"
	"sync"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

// KV is a mutex-guarded map implementing the kill-switch store port.
// Single-process only: flags do not propagate across replicas.
type KV struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ outbound.KV = (*KV)(nil)

// NewKV creates an empty in-memory store.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

func (k *KV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	return v, ok, nil
}

func (k *KV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = value
	return nil
}

func (k *KV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *KV) Ping(context.Context) error { return nil }

// Reset is a no-op: there is no connection to re-establish.
func (k *KV) Reset(context.Context) error { return nil }
