package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/paycall/internal/balances"
	"github.com/ggonzalez94/paycall/internal/cache"
	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/metrics"
	"github.com/ggonzalez94/paycall/internal/model"
	"github.com/ggonzalez94/paycall/internal/out"
	"github.com/ggonzalez94/paycall/internal/registry"
	"github.com/ggonzalez94/paycall/internal/wallet"
)

const balancesTTL = 30 * time.Second

type balanceArgs struct {
	address     string
	networks    string
	threshold   string
	concurrency int
	testnets    bool
}

func (a *balanceArgs) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.address, "address", "", "Account to inspect (default: connected wallet)")
	cmd.Flags().StringVar(&a.networks, "networks", "", "Restrict to networks (comma-separated slugs or chain ids)")
	cmd.Flags().StringVar(&a.threshold, "threshold", "", "Drop chains below this fiat value (default from config)")
	cmd.Flags().IntVar(&a.concurrency, "concurrency", 0, "Parallel balance queries (default from config)")
	cmd.Flags().BoolVar(&a.testnets, "testnets", false, "Include testnet balances")
}

// networkProgress folds per-query results into per-network source status.
type networkProgress struct {
	mu       sync.Mutex
	started  time.Time
	statuses map[string]model.SourceStatus
	order    []string
}

func newNetworkProgress() *networkProgress {
	return &networkProgress{started: time.Now(), statuses: map[string]model.SourceStatus{}}
}

func (p *networkProgress) observe(res balances.QueryResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := res.Query.Network.ID
	st, seen := p.statuses[name]
	if !seen {
		p.order = append(p.order, name)
		st = model.SourceStatus{Name: name, Status: "ok"}
	}
	if res.Err != nil {
		st.Status = statusFromErr(res.Err)
	}
	st.LatencyMS = time.Since(p.started).Milliseconds()
	p.statuses[name] = st
}

func (p *networkProgress) sources() []model.SourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.SourceStatus, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.statuses[name])
	}
	return out
}

func (s *runtimeState) newAggregator(args balanceArgs, onResult func(balances.QueryResult)) (*balances.Aggregator, func(), error) {
	threshold := s.settings.Threshold
	if strings.TrimSpace(args.threshold) != "" {
		t, err := id.ParseAmount(args.threshold)
		if err != nil {
			return nil, nil, err
		}
		threshold = t
	}
	concurrency := s.settings.Concurrency
	if args.concurrency > 0 {
		concurrency = args.concurrency
	}
	reader, err := balances.NewEVMReader(s.logger, s.settings.RPCOverrides, s.settings.RPCRateLimit)
	if err != nil {
		return nil, nil, err
	}
	agg := balances.New(reader, balances.StaticPrices(s.settings.Prices), s.logger, s.metrics, balances.Options{
		Threshold:       threshold,
		Concurrency:     concurrency,
		QueryTimeout:    s.settings.QueryTimeout,
		IncludeTestnets: args.testnets || s.settings.IncludeTestnets,
		OnResult:        onResult,
	})
	return agg, reader.Close, nil
}

func selectNetworks(filter string) ([]registry.Network, error) {
	items := splitCSV(filter)
	if len(items) == 0 {
		return registry.Networks(), nil
	}
	out := make([]registry.Network, 0, len(items))
	seen := map[int64]bool{}
	for _, item := range items {
		n, err := registry.ParseNetwork(item)
		if err != nil {
			return nil, err
		}
		if !seen[n.ChainID] {
			seen[n.ChainID] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// resolveOwner returns the explicit address or the connected wallet's.
func (s *runtimeState) resolveOwner(ctx context.Context, address string) (common.Address, error) {
	if strings.TrimSpace(address) != "" {
		norm, err := id.NormalizeAddress(address)
		if err != nil {
			return common.Address{}, err
		}
		return common.HexToAddress(norm), nil
	}
	conn, err := s.connectWallet(ctx)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUsage, "no --address given and wallet connection failed", err)
	}
	return conn.Address(), nil
}

func partialWarnings(summary balances.Summary) []string {
	out := make([]string, 0, len(summary.Partial))
	for _, p := range summary.Partial {
		out = append(out, clierr.TypeName(clierr.CodePartialData)+": "+p.Error())
	}
	return out
}

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	root := &cobra.Command{Use: "balances", Short: "Multi-chain balance aggregation"}

	var getArgs balanceArgs
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Aggregate balances across networks into mainnet and testnet summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			networks, err := selectNetworks(getArgs.networks)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			owner, err := s.resolveOwner(ctx, getArgs.address)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(networks))
			for _, n := range networks {
				ids = append(ids, n.ID)
			}
			key := cache.Key("balances", strings.ToLower(owner.Hex()), strings.Join(ids, ","), getArgs.threshold,
				fmt.Sprint(getArgs.testnets || s.settings.IncludeTestnets))
			path := trimRootPath(cmd.CommandPath())
			return s.runCachedCommand(path, key, balancesTTL, func(ctx context.Context) (any, []model.SourceStatus, []string, bool, error) {
				progress := newNetworkProgress()
				agg, closeReader, err := s.newAggregator(getArgs, progress.observe)
				if err != nil {
					return nil, nil, nil, false, err
				}
				defer closeReader()
				summary, err := agg.Aggregate(ctx, owner, networks)
				if err != nil {
					return nil, progress.sources(), nil, false, clierr.Wrap(clierr.CodeUnavailable, "aggregate balances", err)
				}
				return summary, progress.sources(), partialWarnings(summary), len(summary.Partial) > 0, nil
			})
		},
	}
	getArgs.register(getCmd)

	var (
		watchArgs     balanceArgs
		watchInterval time.Duration
		watchCount    int
		metricsAddr   string
	)
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll balances on an interval and print each new summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			networks, err := selectNetworks(watchArgs.networks)
			if err != nil {
				return err
			}
			addr := metricsAddr
			if addr == "" {
				addr = s.settings.MetricsAddr
			}
			if addr != "" {
				prom := metrics.NewPrometheusRecorder()
				s.metrics = prom
				stop, err := serveMetrics(addr, prom, s.logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			ctx, cancel := commandContext()
			defer cancel()

			trigger := make(chan struct{}, 1)
			owner, err := s.watchOwner(ctx, watchArgs.address, trigger)
			if err != nil {
				return err
			}

			agg, closeReader, err := s.newAggregator(watchArgs, nil)
			if err != nil {
				return err
			}
			defer closeReader()
			interval := watchInterval
			if interval <= 0 {
				interval = s.settings.PollInterval
			}
			poller := balances.NewPoller(agg, interval, s.logger)

			var (
				mu        sync.Mutex
				delivered int
				writeErr  error
			)
			err = poller.Run(ctx, owner, networks, trigger, func(summary balances.Summary) {
				mu.Lock()
				defer mu.Unlock()
				if writeErr != nil {
					return
				}
				if err := out.RenderLine(s.runner.stdout, s.settings.OutputMode, summary); err != nil {
					writeErr = err
					cancel()
					return
				}
				delivered++
				if watchCount > 0 && delivered >= watchCount {
					cancel()
				}
			})
			if writeErr != nil {
				return clierr.Wrap(clierr.CodeInternal, "write summary", writeErr)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	watchArgs.register(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Poll interval (default from config)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Stop after this many summaries (0 runs until interrupted)")
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")

	root.AddCommand(getCmd, watchCmd)
	return root
}

// watchOwner yields the polled address. Without --address it follows the
// wallet: account and chain changes force an immediate refresh, and ticks
// are skipped while disconnected.
func (s *runtimeState) watchOwner(ctx context.Context, address string, trigger chan struct{}) (func() (common.Address, bool), error) {
	if strings.TrimSpace(address) != "" {
		owner, err := s.resolveOwner(ctx, address)
		if err != nil {
			return nil, err
		}
		return func() (common.Address, bool) { return owner, true }, nil
	}
	if _, err := s.connectWallet(ctx); err != nil {
		return nil, err
	}
	unsubscribe := s.wallets.Subscribe(func(ev wallet.Event) {
		if ev.Kind == wallet.EventStatus && ev.State.Status != wallet.StatusConnected {
			return
		}
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return func() (common.Address, bool) {
		conn := s.wallets.Current()
		if conn == nil || conn.Status() != wallet.StatusConnected {
			return common.Address{}, false
		}
		return conn.Address(), true
	}, nil
}

func serveMetrics(addr string, prom *metrics.PrometheusRecorder, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "listen for metrics", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
