package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/registry"
	"github.com/ggonzalez94/paycall/internal/signer"
	"github.com/ggonzalez94/paycall/internal/switcher"
	"github.com/ggonzalez94/paycall/internal/wallet"
)

type walletStatus struct {
	wallet.State
	Network   string `json:"network,omitempty"`
	Testnet   bool   `json:"testnet"`
	Supported bool   `json:"supported"`
}

type switchOutcome struct {
	switcher.Result
	Wallet walletStatus `json:"wallet"`
}

// connectWallet opens the configured connector and makes it the current
// connection.
func (s *runtimeState) connectWallet(ctx context.Context) (*wallet.Connection, error) {
	if s.wallets == nil {
		s.wallets = wallet.NewManager(s.logger)
	}
	if conn := s.wallets.Current(); conn != nil && conn.Status() == wallet.StatusConnected {
		return conn, nil
	}

	var (
		provider wallet.Provider
		opts     wallet.ConnectOptions
	)
	switch s.settings.Connector {
	case "bridge":
		bridge, err := wallet.DialBridge(ctx, s.settings.BridgeURL, s.logger)
		if err != nil {
			return nil, err
		}
		provider = bridge
		opts.Detected = bridge.Detected()
	default:
		network, err := registry.ParseNetwork(s.settings.Network)
		if err != nil {
			return nil, err
		}
		local, err := signer.NewLocalSignerFromInputs(s.settings.KeySource, s.privateKey)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeAuth, "load local wallet key", err)
		}
		s.logger.Debug("local wallet key loaded", zap.String("origin", local.Origin()))
		provider = wallet.NewLocalProvider(local, network.ChainID)
	}

	conn, err := s.wallets.Connect(ctx, provider, opts)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	s.logger.Debug("wallet ready", zap.String("connector", s.settings.Connector), zap.String("address", conn.Address().Hex()))
	return conn, nil
}

func describeWallet(state wallet.State) walletStatus {
	out := walletStatus{State: state}
	if n, ok := registry.NetworkByChainID(state.ChainID); ok {
		out.Network = n.ID
		out.Testnet = n.Testnet
		out.Supported = true
	}
	return out
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Wallet connection and network switching"}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Connect the configured wallet and report its account and network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := s.connectWallet(ctx)
			if err != nil {
				return err
			}
			state := conn.State()
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), describeWallet(state), state.Warnings, cacheMetaBypass(), nil, false)
		},
	}

	switchCmd := &cobra.Command{
		Use:     "switch <network>",
		Short:   "Switch the wallet to a network, registering it first if the wallet does not know it",
		Example: "paycall wallet switch sei-testnet",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := registry.ParseNetwork(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			conn, err := s.connectWallet(ctx)
			if err != nil {
				return err
			}
			bound, stop := conn.Bind(ctx)
			defer stop()

			sw := switcher.New(s.logger, s.metrics)
			sw.OnTransition = func(st switcher.State) {
				s.logger.Info("network switch", zap.String("state", string(st)), zap.String("network", network.ID))
			}
			result, err := sw.Switch(bound, conn, network.ChainID)
			if err != nil {
				s.captureCommandDiagnostics([]string{fmt.Sprintf("switch ended in state %s", result.State)}, nil, false)
				return err
			}
			state := conn.State()
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), switchOutcome{Result: result, Wallet: describeWallet(state)}, state.Warnings, cacheMetaBypass(), nil, false)
		},
	}

	root.AddCommand(statusCmd, switchCmd)
	return root
}
