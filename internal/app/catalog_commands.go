package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/model"
	"github.com/ggonzalez94/paycall/internal/registry"
)

func (s *runtimeState) newNetworksCommand() *cobra.Command {
	root := &cobra.Command{Use: "networks", Short: "Supported network catalog"}

	var kind string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List supported networks, mainnets first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []registry.Network
			switch strings.ToLower(strings.TrimSpace(kind)) {
			case "", "all":
				data = registry.Networks()
			case "mainnet":
				data = registry.FilterNetworks(false)
			case "testnet":
				data = registry.FilterNetworks(true)
			default:
				return clierr.New(clierr.CodeUsage, "--kind must be one of all|mainnet|testnet")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	listCmd.Flags().StringVar(&kind, "kind", "all", "Filter by network kind (all|mainnet|testnet)")

	showCmd := &cobra.Command{
		Use:   "show <network>",
		Short: "Show one network by slug, chain id or CAIP-2 id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := registry.ParseNetwork(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), network, nil, cacheMetaBypass(), nil, false)
		},
	}

	root.AddCommand(listCmd, showCmd)
	return root
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token catalog lookups and amount formatting"}

	var lookupNetwork, lookupAddress, lookupSymbol string
	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Find a token by network and address, or by symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if strings.TrimSpace(lookupAddress) != "" {
				token, err := resolveToken(lookupNetwork, lookupAddress)
				if err != nil {
					return err
				}
				return s.emitSuccess(path, token, nil, cacheMetaBypass(), nil, false)
			}
			if strings.TrimSpace(lookupSymbol) == "" {
				return clierr.New(clierr.CodeUsage, "provide --address with --network, or --symbol")
			}
			matches := registry.LookupBySymbol(lookupSymbol)
			if strings.TrimSpace(lookupNetwork) != "" {
				network, err := registry.ParseNetwork(lookupNetwork)
				if err != nil {
					return err
				}
				filtered := matches[:0]
				for _, t := range matches {
					if t.ChainID == network.ChainID {
						filtered = append(filtered, t)
					}
				}
				matches = filtered
			}
			if len(matches) == 0 {
				return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no token with symbol %s", strings.ToUpper(lookupSymbol)))
			}
			return s.emitSuccess(path, matches, nil, cacheMetaBypass(), nil, false)
		},
	}
	lookupCmd.Flags().StringVar(&lookupNetwork, "network", "", "Network slug, chain id or CAIP-2 id")
	lookupCmd.Flags().StringVar(&lookupAddress, "address", "", "Token contract address (or a CAIP-19 asset id)")
	lookupCmd.Flags().StringVar(&lookupSymbol, "symbol", "", "Token symbol")

	var searchLimit int
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search tokens by name, symbol or tag across networks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), registry.SearchTokens(args[0], searchLimit), nil, cacheMetaBypass(), nil, false)
		},
	}
	searchCmd.Flags().IntVar(&searchLimit, "limit", registry.DefaultSearchLimit, "Maximum results")

	var (
		fmtNetwork, fmtAddress, fmtAmount, fmtAmountBase string
		fmtPrecision                                     int
		fmtCompact, fmtWithSymbol                        bool
	)
	formatCmd := &cobra.Command{
		Use:     "format",
		Short:   "Format an amount for display with the token's precision rules",
		Example: "paycall tokens format --network base --address 0x833589fcd6edb6e08f4c7c32d4f71b54bda02913 --amount-base 1234567000000 --compact",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := registry.ParseNetwork(fmtNetwork)
			if err != nil {
				return err
			}
			amount, err := parseFormatAmount(network.ChainID, fmtAddress, fmtAmount, fmtAmountBase)
			if err != nil {
				return err
			}
			opts := registry.FormatOptions{Compact: fmtCompact, WithSymbol: fmtWithSymbol}
			if fmtPrecision >= 0 {
				opts.Precision = &fmtPrecision
			}
			data := model.FormattedAmount{
				ChainID:   network.CAIP2,
				Asset:     id.AssetID(network.ChainID, fmtAddress),
				Amount:    amount.String(),
				Formatted: registry.FormatAmount(amount, network.ChainID, fmtAddress, opts),
			}
			if token, ok := registry.LookupToken(network.ChainID, fmtAddress); ok {
				if base, err := id.ToBaseUnits(amount, token.Decimals); err == nil {
					data.BaseUnits = base.String()
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	formatCmd.Flags().StringVar(&fmtNetwork, "network", "", "Network slug, chain id or CAIP-2 id")
	formatCmd.Flags().StringVar(&fmtAddress, "address", "", "Token contract address")
	formatCmd.Flags().StringVar(&fmtAmount, "amount", "", "Amount in human units")
	formatCmd.Flags().StringVar(&fmtAmountBase, "amount-base", "", "Amount in base units (needs a known token)")
	formatCmd.Flags().IntVar(&fmtPrecision, "precision", -1, "Decimal places (default: 2 for stablecoins, 4 otherwise)")
	formatCmd.Flags().BoolVar(&fmtCompact, "compact", false, "Abbreviate large values (K, M, B, T)")
	formatCmd.Flags().BoolVar(&fmtWithSymbol, "with-symbol", false, "Append the token symbol")
	_ = formatCmd.MarkFlagRequired("network")
	_ = formatCmd.MarkFlagRequired("address")

	root.AddCommand(lookupCmd, searchCmd, formatCmd)
	return root
}

// resolveToken accepts an address on networkArg or a CAIP-19 asset id.
func resolveToken(networkArg, address string) (registry.Token, error) {
	var chainID int64
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(address)), "eip155:") {
		cid, addr, err := id.ParseAssetID(address)
		if err != nil {
			return registry.Token{}, err
		}
		chainID, address = cid, addr
	} else {
		network, err := registry.ParseNetwork(networkArg)
		if err != nil {
			return registry.Token{}, err
		}
		chainID = network.ChainID
	}
	token, ok := registry.LookupToken(chainID, address)
	if !ok {
		return registry.Token{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unknown token %s on chain %d", address, chainID))
	}
	return token, nil
}

func parseFormatAmount(chainID int64, address, amount, amountBase string) (decimal.Decimal, error) {
	switch {
	case strings.TrimSpace(amount) != "" && strings.TrimSpace(amountBase) != "":
		return decimal.Zero, clierr.New(clierr.CodeUsage, "use only one of --amount and --amount-base")
	case strings.TrimSpace(amount) != "":
		return id.ParseAmount(amount)
	case strings.TrimSpace(amountBase) != "":
		token, ok := registry.LookupToken(chainID, address)
		if !ok {
			return decimal.Zero, clierr.New(clierr.CodeUsage, "--amount-base needs a known token; pass --amount instead")
		}
		base, err := id.ParseBaseUnits(amountBase)
		if err != nil {
			return decimal.Zero, err
		}
		return id.FromBaseUnits(base, token.Decimals), nil
	default:
		return decimal.Zero, clierr.New(clierr.CodeUsage, "--amount or --amount-base is required")
	}
}
