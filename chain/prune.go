package chain

import (
	"context"
	"time"
)

// DefaultPruneInterval is how often the pruner fires.  Pruning is not
// time critical; this only bounds how stale the retention window gets.
const DefaultPruneInterval = 10 * time.Minute

// Pruner periodically trims undo data beyond the chain's retention
// window.  Failures are logged and retried on the next tick, never
// fatal.
type Pruner struct {
	chain    *ChainState
	interval time.Duration
}

// NewPruner returns a pruner over the given chain.  A zero interval
// means DefaultPruneInterval.
func NewPruner(chain *ChainState, interval time.Duration) *Pruner {
	if interval == 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{chain: chain, interval: interval}
}

// Run blocks until ctx is done, pruning on every tick.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.chain.Prune(); err != nil {
				log.Warnf("prune failed, will retry: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
