package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/execution"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/metrics"
	"github.com/ggonzalez94/paycall/internal/wallet"
	"github.com/ggonzalez94/paycall/internal/x402"
)

// Wallets yields the authoritative wallet connection, or nil.
type Wallets interface {
	Current() *wallet.Connection
}

type Controller struct {
	client  *Client
	wallets Wallets
	records execution.Recorder
	logger  *zap.Logger
	metrics metrics.Recorder
	// OnRecord, when set, observes every persisted state of a record.
	OnRecord func(execution.Record)
}

func NewController(client *Client, wallets Wallets, records execution.Recorder, logger *zap.Logger, recorder metrics.Recorder) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		client:  client,
		wallets: wallets,
		records: records,
		logger:  logger.Named("controller"),
		metrics: metrics.OrNoop(recorder),
	}
}

func (c *Controller) Discover(ctx context.Context) ([]Descriptor, error) {
	return c.client.List(ctx)
}

// IsCompatible reports whether tool can be invoked with the current wallet:
// free tools always are, monetized ones only on an advertised network.
func (c *Controller) IsCompatible(tool Descriptor) bool {
	if !tool.IsMonetized() {
		return true
	}
	conn := c.connection()
	if conn == nil {
		return false
	}
	_, ok := tool.PriceOn(conn.ChainID())
	return ok
}

// Invoke calls tool with params and returns its execution record. An
// incompatible monetized tool is refused before any request is made.
func (c *Controller) Invoke(ctx context.Context, tool Descriptor, params json.RawMessage, onChunk func(Chunk)) (execution.Record, error) {
	started := time.Now()
	record := execution.NewRecord(execution.NewExecutionID(), tool.Name, c.client.Endpoint())
	record.Monetized = tool.IsMonetized()
	if len(params) > 0 {
		record.Params = params
	}

	conn := c.connection()
	network := ""
	if conn != nil {
		record.ChainID = id.CAIP2(conn.ChainID())
		record.Payer = conn.Address().Hex()
	}

	if err := c.gate(tool, conn); err != nil {
		return c.finish(record, network, started, err)
	}

	record.Advance(execution.StatusInitializing)
	c.save(record)

	var sess x402.Session
	if conn != nil {
		bound, cancel := conn.Bind(ctx)
		defer cancel()
		ctx = bound
		sess = conn
	}
	price, _ := c.priceFor(tool, conn)
	if price != nil && price.Network != "" {
		network = price.Network
	}

	record.Advance(execution.StatusExecuting)
	c.save(record)

	result, err := c.client.Call(ctx, sess, tool.Name, params, price, onChunk)
	if result.Payment != nil {
		record.Payment = paymentRecord(result)
	}
	record.Chunks = result.Chunks
	if err != nil {
		return c.finish(record, network, started, err)
	}
	record.Result = result.Result
	return c.finish(record, network, started, nil)
}

func (c *Controller) gate(tool Descriptor, conn *wallet.Connection) error {
	if !tool.IsMonetized() {
		return nil
	}
	if conn == nil {
		return clierr.New(clierr.CodeAuth, fmt.Sprintf("tool %s requires payment; connect a wallet first", tool.Name))
	}
	if c.IsCompatible(tool) {
		return nil
	}
	networks := tool.Networks()
	if len(networks) == 0 {
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("tool %s does not advertise a supported payment network", tool.Name))
	}
	names := make([]string, 0, len(networks))
	for _, n := range networks {
		names = append(names, n.ID)
	}
	return clierr.New(clierr.CodeNetworkMismatch, fmt.Sprintf("tool %s is paid on %s but wallet is on chain %d; switch networks first", tool.Name, strings.Join(names, ", "), conn.ChainID()))
}

// priceFor is the advertised bound for a payment. An unpriced tool is bound
// to zero, so a 402 from it is refused before anything is signed.
func (c *Controller) priceFor(tool Descriptor, conn *wallet.Connection) (*x402.Price, bool) {
	if !tool.IsMonetized() {
		return &x402.Price{Amount: decimal.Zero}, true
	}
	if conn == nil {
		return nil, false
	}
	return tool.PriceOn(conn.ChainID())
}

func (c *Controller) finish(record execution.Record, network string, started time.Time, err error) (execution.Record, error) {
	labels := map[string]string{"network": network}
	if err != nil {
		record.Advance(execution.StatusError)
		record.Error = err.Error()
		if cerr, ok := clierr.As(err); ok {
			record.ErrorType = clierr.TypeName(cerr.Code)
		} else {
			record.ErrorType = clierr.TypeName(clierr.CodeInternal)
		}
		labels["outcome"] = record.ErrorType
	} else {
		record.Advance(execution.StatusSuccess)
		labels["outcome"] = "success"
	}
	c.save(record)
	c.metrics.IncCounter("tool_invocation", labels)
	c.metrics.ObserveLatency("tool_invocation", time.Since(started), labels)
	c.logger.Debug("tool invocation finished",
		zap.String("tool", record.Tool),
		zap.String("execution_id", record.ExecutionID),
		zap.String("status", string(record.Status)),
	)
	return record, err
}

func (c *Controller) save(record execution.Record) {
	if c.records != nil {
		if err := c.records.Save(record); err != nil {
			c.logger.Warn("persist execution record", zap.String("execution_id", record.ExecutionID), zap.Error(err))
		}
	}
	if c.OnRecord != nil {
		c.OnRecord(record)
	}
}

func (c *Controller) connection() *wallet.Connection {
	if c.wallets == nil {
		return nil
	}
	conn := c.wallets.Current()
	if conn == nil || conn.Status() != wallet.StatusConnected {
		return nil
	}
	return conn
}

func paymentRecord(result CallResult) *execution.PaymentRecord {
	p := result.Payment
	rec := &execution.PaymentRecord{
		Network:     p.Network,
		Asset:       p.Asset,
		Symbol:      p.Symbol,
		Amount:      p.Amount,
		PayTo:       p.PayTo,
		Nonce:       p.Authorization.Nonce,
		ValidBefore: p.Authorization.ValidBefore,
	}
	if p.Settlement != nil {
		rec.Transaction = p.Settlement.Transaction
		rec.Settled = p.Settlement.Success
	}
	return rec
}
