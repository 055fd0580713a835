package balances

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/ggonzalez94/paycall/internal/registry"
)

const defaultPollInterval = 30 * time.Second

// Poller recomputes summaries and keeps the latest one per address. A new
// refresh for an address supersedes, and cancels, any refresh still running
// for it.
type Poller struct {
	agg      *Aggregator
	interval time.Duration
	latest   *gocache.Cache
	logger   *zap.Logger

	mu       sync.Mutex
	gen      map[string]uint64
	inflight map[string]context.CancelFunc
}

func NewPoller(agg *Aggregator, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		agg:      agg,
		interval: interval,
		latest:   gocache.New(5*interval, 10*interval),
		logger:   logger.Named("poller"),
		gen:      map[string]uint64{},
		inflight: map[string]context.CancelFunc{},
	}
}

// Refresh aggregates balances for owner. The boolean is false when a newer
// refresh for the same owner superseded this one; its result is discarded.
func (p *Poller) Refresh(ctx context.Context, owner common.Address, networks []registry.Network) (Summary, bool, error) {
	summary, _, current, err := p.refresh(ctx, owner, networks)
	return summary, current, err
}

func (p *Poller) refresh(ctx context.Context, owner common.Address, networks []registry.Network) (Summary, uint64, bool, error) {
	key := strings.ToLower(owner.Hex())
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if prev, ok := p.inflight[key]; ok {
		prev()
	}
	p.gen[key]++
	mine := p.gen[key]
	p.inflight[key] = cancel
	p.mu.Unlock()

	summary, err := p.agg.Aggregate(runCtx, owner, networks)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen[key] != mine {
		return Summary{}, mine, false, nil
	}
	delete(p.inflight, key)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return Summary{}, mine, false, nil
		}
		return Summary{}, mine, true, err
	}
	p.latest.Set(key, summary, gocache.DefaultExpiration)
	return summary, mine, true, nil
}

// cancelOthers stops in-flight refreshes for every address but owner.
func (p *Poller) cancelOthers(owner common.Address) {
	keep := strings.ToLower(owner.Hex())
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.inflight {
		if key != keep {
			cancel()
			delete(p.inflight, key)
		}
	}
}

// Latest returns the most recent summary stored for owner.
func (p *Poller) Latest(owner common.Address) (Summary, bool) {
	v, ok := p.latest.Get(strings.ToLower(owner.Hex()))
	if !ok {
		return Summary{}, false
	}
	summary, ok := v.(Summary)
	return summary, ok
}

// Run polls on the interval until ctx ends. owner reports the address to
// poll and whether the wallet is connected; ticks while disconnected are
// skipped. trigger, when non-nil, forces an immediate refresh. Polls run
// concurrently and only the newest result reaches onSummary. When the owner
// changes, refreshes for the previous address are cancelled and a summary
// for an address that is no longer the owner is never delivered.
func (p *Poller) Run(ctx context.Context, owner func() (common.Address, bool), networks []registry.Network, trigger <-chan struct{}, onSummary func(Summary)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var deliverMu sync.Mutex
	delivered := map[string]uint64{}

	poll := func() {
		addr, connected := owner()
		if !connected {
			return
		}
		p.cancelOthers(addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, gen, current, err := p.refresh(ctx, addr, networks)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("balance poll failed", zap.Error(err))
				}
				return
			}
			if !current || onSummary == nil {
				return
			}
			key := strings.ToLower(addr.Hex())
			deliverMu.Lock()
			defer deliverMu.Unlock()
			if now, ok := owner(); !ok || now != addr {
				return
			}
			if gen > delivered[key] {
				delivered[key] = gen
				onSummary(summary)
			}
		}()
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll()
		case <-trigger:
			poll()
		}
	}
}
