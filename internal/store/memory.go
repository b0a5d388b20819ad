package store

import (
	"context"
	"sync"
)

// MemoryGateway keeps values in process memory.
type MemoryGateway struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		data: make(map[string][]byte),
	}
}

func (g *MemoryGateway) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (g *MemoryGateway) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.data[key] = append([]byte(nil), value...)
	return nil
}

func (g *MemoryGateway) Close() error {
	return nil
}
