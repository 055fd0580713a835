package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/paycall/internal/cache"
	"github.com/ggonzalez94/paycall/internal/config"
	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/execution"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/logging"
	"github.com/ggonzalez94/paycall/internal/metrics"
	"github.com/ggonzalez94/paycall/internal/model"
	"github.com/ggonzalez94/paycall/internal/out"
	"github.com/ggonzalez94/paycall/internal/policy"
	"github.com/ggonzalez94/paycall/internal/schema"
	"github.com/ggonzalez94/paycall/internal/version"
	"github.com/ggonzalez94/paycall/internal/wallet"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command

	logger  *zap.Logger
	metrics metrics.Recorder
	cache   *cache.Store
	records *execution.Store
	wallets *wallet.Manager
	// privateKey overrides the configured key source for the local connector.
	privateKey string

	lastCommand  string
	lastWarnings []string
	lastSources  []model.SourceStatus
	lastPartial  bool
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop(), metrics: metrics.NoopRecorder{}}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.Execute())
	if err != nil {
		state.renderError("", err, state.lastWarnings, state.lastSources, state.lastPartial)
	}
	state.close()
	if err != nil {
		return clierr.ExitCode(err)
	}
	return 0
}

func (s *runtimeState) close() {
	if s.wallets != nil {
		s.wallets.Close()
	}
	if s.records != nil {
		_ = s.records.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	_ = s.logger.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Wallet-aware tool client with x402 pay-per-call and multi-chain balances",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			logger, err := logging.New(settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				store, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = store
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.BoolVar(&s.flags.YAML, "yaml", false, "Output YAML")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.BoolVar(&s.flags.Strict, "strict", false, "Fail on partial results")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Request timeout for RPC and tool endpoints")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per request")
	pf.StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	pf.BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	pf.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&s.flags.LogFormat, "log-format", "", "Log encoding on stderr (console|json)")
	pf.StringVar(&s.flags.Connector, "connector", "", "Wallet connector (local|bridge)")
	pf.StringVar(&s.flags.BridgeURL, "bridge-url", "", "WebSocket URL of the browser wallet bridge")
	pf.StringVar(&s.flags.Network, "wallet-network", "", "Starting network of the local connector")
	pf.StringVar(&s.flags.KeySource, "key-source", "", "Key source for the local connector (auto|env|file|keystore)")
	pf.StringVar(&s.privateKey, "private-key", "", "Private key hex override for the local connector (less safe)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newNetworksCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newBalancesCommand())
	cmd.AddCommand(s.newToolsCommand())
	cmd.AddCommand(s.newExecutionsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
}

type fetchFn func(ctx context.Context) (data any, sources []model.SourceStatus, warnings []string, partial bool, err error)

// runCachedCommand serves key from the cache while fresh, otherwise fetches.
// A failed fetch falls back to a stale entry within the max-stale budget
// when the failure is transient.
func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}

	var (
		staleData   any
		staleStatus model.CacheStatus
		staleAge    time.Duration
		staleSeenAt time.Time
		haveStale   bool
	)
	if s.settings.CacheEnabled && s.cache != nil {
		entry, err := s.cache.Lookup(key, s.settings.MaxStale)
		if err == nil && entry.Hit {
			var data any
			if json.Unmarshal(entry.Value, &data) == nil {
				status := model.CacheStatus{Status: "hit", AgeMS: entry.Age.Milliseconds(), Stale: entry.Stale}
				if !entry.Stale {
					return s.emitSuccess(commandPath, data, warnings, status, nil, false)
				}
				staleData, staleStatus, staleAge, staleSeenAt, haveStale = data, status, entry.Age, time.Now(), true
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, sources, fetchWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, fetchWarnings...)
	s.captureCommandDiagnostics(warnings, sources, partial)
	if err != nil {
		if !haveStale || !staleFallbackAllowed(err) {
			return err
		}
		age := staleAge + time.Since(staleSeenAt)
		staleStatus.AgeMS = age.Milliseconds()
		if s.settings.NoStale {
			return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and stale fallback is disabled (--no-stale)", err)
		}
		if staleExceedsBudget(age, ttl, s.settings.MaxStale) {
			return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and cached data exceeded stale budget", err)
		}
		warnings = append(warnings, "fetch failed; serving stale data within max-stale budget")
		s.captureCommandDiagnostics(warnings, sources, false)
		return s.emitSuccess(commandPath, staleData, warnings, staleStatus, sources, false)
	}

	if partial && s.settings.Strict {
		return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.Put(key, payload, ttl); err == nil {
				cacheStatus = model.CacheStatus{Status: "write"}
			} else {
				s.logger.Debug("cache write failed", zap.Error(err))
			}
		}
	}
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, sources, partial)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, sources []model.SourceStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta:     s.meta(commandPath, sources, cacheStatus, partial),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, sources []model.SourceStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	typ := clierr.TypeName(clierr.CodeInternal)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		typ = clierr.TypeName(cErr.Code)
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     []any{},
		Error:    &model.ErrorBody{Code: clierr.ExitCode(err), Type: typ, Message: message},
		Warnings: warnings,
		Meta:     s.meta(commandPath, sources, cacheMetaBypass(), partial),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) meta(commandPath string, sources []model.SourceStatus, cacheStatus model.CacheStatus, partial bool) model.EnvelopeMeta {
	m := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		Sources:   sources,
		Cache:     cacheStatus,
		Partial:   partial,
	}
	if s.wallets != nil {
		if st := s.wallets.State(); st.Status == wallet.StatusConnected {
			m.Wallet = &model.WalletMeta{Address: st.Address, ChainID: id.CAIP2(st.ChainID)}
		}
	}
	return m
}

// commandContext is cancelled on SIGINT/SIGTERM. Wallet approvals can take
// arbitrarily long, so it carries no deadline of its own.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (s *runtimeState) openRecords() (*execution.Store, error) {
	if s.records != nil {
		return s.records, nil
	}
	store, err := execution.OpenStore(s.settings.ExecutionStorePath, s.settings.ExecutionLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open execution store", err)
	}
	s.records = store
	return store, nil
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if norm := strings.ToLower(strings.TrimSpace(part)); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, p := range []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl || maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "tools list", "balances get":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(commandPath)), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastSources = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, sources []model.SourceStatus, partial bool) {
	s.lastWarnings = nil
	if len(warnings) > 0 {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	s.lastSources = nil
	if len(sources) > 0 {
		s.lastSources = append([]model.SourceStatus(nil), sources...)
	}
	s.lastPartial = partial
}
