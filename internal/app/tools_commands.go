package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/paycall/internal/cache"
	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/execution"
	"github.com/ggonzalez94/paycall/internal/httpx"
	"github.com/ggonzalez94/paycall/internal/model"
	"github.com/ggonzalez94/paycall/internal/out"
	"github.com/ggonzalez94/paycall/internal/policy"
	"github.com/ggonzalez94/paycall/internal/registry"
	"github.com/ggonzalez94/paycall/internal/schema"
	"github.com/ggonzalez94/paycall/internal/tools"
	"github.com/ggonzalez94/paycall/internal/wallet"
	"github.com/ggonzalez94/paycall/internal/x402"
)

const toolsTTL = 5 * time.Minute

func (s *runtimeState) newToolController(records execution.Recorder) (*tools.Controller, error) {
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	payments := x402.NewClient(httpClient, s.logger, s.metrics, x402.Options{
		MaxPaymentValue: s.settings.MaxPaymentValue,
		PayeeAllowed:    policy.PayeeAllowlist(s.settings.AllowedPayees),
	})
	client, err := tools.NewClient(s.settings.ToolEndpoint, httpClient, payments, s.logger)
	if err != nil {
		return nil, err
	}
	if s.wallets == nil {
		s.wallets = wallet.NewManager(s.logger)
	}
	return tools.NewController(client, s.wallets, records, s.logger, s.metrics), nil
}

// tryWallet connects when possible. Free tools work without a wallet, so a
// failure only becomes a warning.
func (s *runtimeState) tryWallet(ctx context.Context) []string {
	conn, err := s.connectWallet(ctx)
	if err != nil {
		return []string{"wallet unavailable: " + err.Error()}
	}
	return conn.State().Warnings
}

func toolView(c *tools.Controller, d tools.Descriptor) model.ToolView {
	v := model.ToolView{
		Name:        d.Name,
		Description: d.Description,
		Monetized:   d.IsMonetized(),
		Compatible:  c.IsCompatible(d),
	}
	for _, p := range d.Pricing {
		pv := model.PriceView{Price: p.Price, Asset: p.Asset, Network: p.Network}
		if n, err := registry.ParseNetwork(p.Network); err == nil {
			pv.ChainID = n.CAIP2
		}
		v.Pricing = append(v.Pricing, pv)
	}
	return v
}

func (s *runtimeState) newToolsCommand() *cobra.Command {
	root := &cobra.Command{Use: "tools", Short: "Discover and invoke tools on the configured endpoint"}
	root.PersistentFlags().StringVar(&s.flags.Endpoint, "endpoint", "", "Tool endpoint URL (https, or http on loopback)")
	root.PersistentFlags().StringVar(&s.flags.MaxPayment, "max-payment", "", "Per-call payment ceiling in token units")

	var (
		noWallet       bool
		compatibleOnly bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tools with pricing and compatibility with the current wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			controller, err := s.newToolController(nil)
			if err != nil {
				return err
			}
			warnings := []string{}
			if !noWallet {
				ctx, cancel := commandContext()
				warnings = append(warnings, s.tryWallet(ctx)...)
				cancel()
			}
			chain := "none"
			if conn := s.wallets.Current(); conn != nil && conn.Status() == wallet.StatusConnected {
				chain = fmt.Sprint(conn.ChainID())
			}
			key := cache.Key("tools", s.settings.ToolEndpoint, chain, fmt.Sprint(compatibleOnly))
			path := trimRootPath(cmd.CommandPath())
			return s.runCachedCommand(path, key, toolsTTL, func(ctx context.Context) (any, []model.SourceStatus, []string, bool, error) {
				start := time.Now()
				found, err := controller.Discover(ctx)
				sources := []model.SourceStatus{{Name: s.settings.ToolEndpoint, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
				if err != nil {
					return nil, sources, warnings, false, err
				}
				views := make([]model.ToolView, 0, len(found))
				for _, d := range found {
					v := toolView(controller, d)
					if compatibleOnly && !v.Compatible {
						continue
					}
					views = append(views, v)
				}
				return views, sources, warnings, false, nil
			})
		},
	}
	listCmd.Flags().BoolVar(&noWallet, "no-wallet", false, "Do not connect a wallet; paid tools are reported incompatible")
	listCmd.Flags().BoolVar(&compatibleOnly, "compatible-only", false, "Hide tools the current wallet cannot pay for")

	var (
		params string
		stream bool
	)
	callCmd := &cobra.Command{
		Use:         "call <name>",
		Short:       "Invoke a tool, paying through x402 when it is monetized",
		Example:     `paycall tools call weather --params '{"city":"Lisbon"}' --max-payment 0.5`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{schema.AnnotationPayment: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if strings.TrimSpace(params) != "" {
				if !json.Valid([]byte(params)) {
					return clierr.New(clierr.CodeUsage, "--params must be valid JSON")
				}
				raw = json.RawMessage(params)
			}
			records, err := s.openRecords()
			if err != nil {
				return err
			}
			controller, err := s.newToolController(records)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext()
			defer cancel()
			warnings := s.tryWallet(ctx)

			start := time.Now()
			found, err := controller.Discover(ctx)
			sources := []model.SourceStatus{{Name: s.settings.ToolEndpoint, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			s.captureCommandDiagnostics(warnings, sources, false)
			if err != nil {
				return err
			}
			tool, ok := findTool(found, args[0])
			if !ok {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("tool %s is not offered by %s", args[0], s.settings.ToolEndpoint))
			}

			var onChunk func(tools.Chunk)
			if stream {
				onChunk = func(c tools.Chunk) {
					_ = out.RenderLine(s.runner.stdout, s.settings.OutputMode, c)
				}
			}
			record, err := controller.Invoke(ctx, tool, raw, onChunk)
			if err != nil {
				s.captureCommandDiagnostics(append(warnings, "execution "+record.ExecutionID+" recorded as "+string(record.Status)), sources, false)
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record, warnings, cacheMetaBypass(), sources, false)
		},
	}
	callCmd.Flags().StringVar(&params, "params", "", "Tool arguments as a JSON object")
	callCmd.Flags().BoolVar(&stream, "stream", false, "Print streamed chunks as they arrive, before the final envelope")

	root.AddCommand(listCmd, callCmd)
	return root
}

func findTool(found []tools.Descriptor, name string) (tools.Descriptor, bool) {
	for _, d := range found {
		if d.Name == name {
			return d, true
		}
	}
	return tools.Descriptor{}, false
}

func (s *runtimeState) newExecutionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "executions", Short: "Recorded tool invocations"}

	var (
		status string
		tool   string
		limit  int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List execution records, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := execution.ListFilter{Tool: tool, Limit: limit}
			if status != "" {
				st := execution.Status(strings.ToLower(status))
				switch st {
				case execution.StatusIdle, execution.StatusInitializing, execution.StatusExecuting, execution.StatusSuccess, execution.StatusError:
				default:
					return clierr.New(clierr.CodeUsage, "--status must be one of idle|initializing|executing|success|error")
				}
				filter.Status = st
			}
			records, err := s.openRecords()
			if err != nil {
				return err
			}
			items, err := records.List(filter)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil, false)
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&tool, "tool", "", "Filter by tool name")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum records")

	showCmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution record with its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := s.openRecords()
			if err != nil {
				return err
			}
			record, err := records.Get(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record, nil, cacheMetaBypass(), nil, false)
		},
	}

	root.AddCommand(listCmd, showCmd)
	return root
}
