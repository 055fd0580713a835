package balances

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/registry"
)

const defaultRequestsPerSecond = 10

// EVMReader reads native and ERC-20 balances over JSON-RPC, one client and
// one rate limiter per chain.
type EVMReader struct {
	logger    *zap.Logger
	overrides map[int64]string
	rps       float64
	erc20     abi.ABI

	mu       sync.Mutex
	clients  map[int64]*ethclient.Client
	limiters map[int64]*rate.Limiter
}

// NewEVMReader builds a reader. overrides maps chain ids to an RPC URL tried
// before the catalog endpoints.
func NewEVMReader(logger *zap.Logger, overrides map[int64]string, requestsPerSecond float64) (*EVMReader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &EVMReader{
		logger:    logger.Named("evm"),
		overrides: overrides,
		rps:       requestsPerSecond,
		erc20:     parsed,
		clients:   map[int64]*ethclient.Client{},
		limiters:  map[int64]*rate.Limiter{},
	}, nil
}

func (r *EVMReader) Balance(ctx context.Context, network registry.Network, token registry.Token, owner common.Address) (*big.Int, error) {
	client, err := r.client(ctx, network)
	if err != nil {
		return nil, err
	}
	if err := r.limiter(network.ChainID).Wait(ctx); err != nil {
		return nil, err
	}
	if token.Native {
		bal, err := client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s balance on %s", token.Symbol, network.ID), err)
		}
		return bal, nil
	}

	data, err := r.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf", err)
	}
	contract := common.HexToAddress(token.Address)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s balance on %s", token.Symbol, network.ID), err)
	}
	values, err := r.erc20.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, clierr.Wrap(clierr.CodeUpstream, fmt.Sprintf("decode %s balance on %s", token.Symbol, network.ID), err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUpstream, fmt.Sprintf("unexpected %s balance type on %s", token.Symbol, network.ID))
	}
	return bal, nil
}

// client dials the first endpoint that answers eth_chainId with the
// expected id and caches it.
func (r *EVMReader) client(ctx context.Context, network registry.Network) (*ethclient.Client, error) {
	r.mu.Lock()
	if c, ok := r.clients[network.ChainID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	urls, err := registry.ResolveRPCURLs(r.overrides[network.ChainID], network.ChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnsupported, "resolve rpc url", err)
	}
	var lastErr error
	for _, url := range urls {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		got, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			lastErr = err
			r.logger.Debug("rpc endpoint unavailable", zap.String("url", url), zap.Error(err))
			continue
		}
		if got.Int64() != network.ChainID {
			c.Close()
			lastErr = fmt.Errorf("rpc %s reports chain id %s", url, got)
			continue
		}
		r.mu.Lock()
		if existing, ok := r.clients[network.ChainID]; ok {
			r.mu.Unlock()
			c.Close()
			return existing, nil
		}
		r.clients[network.ChainID] = c
		r.mu.Unlock()
		return c, nil
	}
	return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("no reachable rpc endpoint for %s", network.ID), lastErr)
}

func (r *EVMReader) limiter(chainID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[chainID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), max(1, int(r.rps)))
		r.limiters[chainID] = l
	}
	return l
}

func (r *EVMReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chainID, c := range r.clients {
		c.Close()
		delete(r.clients, chainID)
	}
}
