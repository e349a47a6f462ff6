package cache

import (
	"context"
	"time"
)

// Noop discards everything. It disables caching without branching at call
// sites.
type Noop struct{}

var _ Cache = Noop{}

// NewNoop returns the no-op cache.
func NewNoop() Noop {
	return Noop{}
}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (Noop) Set(context.Context, string, []byte, time.Duration) {}

func (Noop) Del(context.Context, ...string) {}

func (Noop) DelPattern(context.Context, string) {}

func (Noop) Exists(context.Context, string) bool { return false }

func (Noop) GetTTL(context.Context, string) (time.Duration, bool) { return 0, false }

func (Noop) UpdateTTL(context.Context, string, time.Duration) bool { return false }
