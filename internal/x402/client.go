package x402

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/httpx"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/metrics"
	"github.com/ggonzalez94/paycall/internal/registry"
)

const (
	flightKey = "payment-authorization"

	// validAfter is backdated to tolerate clock skew with the facilitator.
	clockSkew             = 10 * time.Minute
	defaultTimeoutSeconds = 60
)

// Session is the part of a wallet connection that pays.
type Session interface {
	Address() common.Address
	ChainID() int64
	TryAcquire(op string) (func(), bool)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// Price is a tool's advertised cost in human units of Asset.
type Price struct {
	Amount decimal.Decimal
	// Asset is a contract address or a token symbol.
	Asset   string
	Network string
}

type Request struct {
	Method string
	URL    string
	Body   []byte
	Header map[string]string
	Price  *Price
}

// Payment describes the authorization attached to the retried request.
type Payment struct {
	Network       string              `json:"network"`
	ChainID       int64               `json:"chain_id"`
	Asset         string              `json:"asset"`
	Symbol        string              `json:"symbol,omitempty"`
	Amount        string              `json:"amount"`
	AmountBase    string              `json:"amount_base_units"`
	PayTo         string              `json:"pay_to"`
	Authorization Authorization       `json:"authorization"`
	Settlement    *SettlementResponse `json:"settlement,omitempty"`
}

// Response is the upstream answer. Body is unread and owned by the caller.
type Response struct {
	*http.Response
	Payment *Payment
}

type Options struct {
	// MaxPaymentValue is the per-call ceiling in human units of the
	// challenged asset. Zero refuses every payment.
	MaxPaymentValue decimal.Decimal
	// PayeeAllowed, when set, must approve the payTo address before signing.
	PayeeAllowed func(address string) bool
	Now          func() time.Time
	Rand         io.Reader
}

type Client struct {
	http    *httpx.Client
	logger  *zap.Logger
	metrics metrics.Recorder
	opts    Options
}

func NewClient(httpClient *httpx.Client, logger *zap.Logger, recorder metrics.Recorder, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Client{http: httpClient, logger: logger.Named("x402"), metrics: metrics.OrNoop(recorder), opts: opts}
}

// Do sends req and, when the endpoint answers 402, pays once and retries once.
// Any other status is returned untouched. Once an authorization is signed, a
// failed or refused retry still returns a Response carrying the Payment, with
// no HTTP response attached.
func (c *Client) Do(ctx context.Context, sess Session, req Request) (*Response, error) {
	resp, err := c.send(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Response{Response: resp}, nil
	}

	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	challenge, err := ParseChallenge(body)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, clierr.New(clierr.CodeAuth, "endpoint requires payment but no wallet is connected")
	}

	started := time.Now()
	payment, header, err := c.authorize(ctx, sess, req, challenge)
	labels := map[string]string{"network": payment.Network}
	if err != nil {
		labels["outcome"] = outcome(err)
		c.metrics.IncCounter("payment_authorization", labels)
		return nil, err
	}
	c.metrics.ObserveLatency("payment_authorization", time.Since(started), labels)

	retried, err := c.send(ctx, req, header)
	if err != nil {
		labels["outcome"] = outcome(err)
		c.metrics.IncCounter("payment_authorization", labels)
		return &Response{Payment: &payment}, err
	}
	if retried.StatusCode == http.StatusPaymentRequired {
		body, _ := httpx.ReadBody(retried)
		labels["outcome"] = "refused"
		c.metrics.IncCounter("payment_authorization", labels)
		return &Response{Payment: &payment}, clierr.New(clierr.CodePaymentAuth, refusalMessage(body))
	}

	if raw := retried.Header.Get(HeaderPaymentResponse); raw != "" {
		settlement, err := DecodeSettlementHeader(raw)
		if err != nil {
			c.logger.Warn("ignoring undecodable settlement header", zap.Error(err))
		} else {
			payment.Settlement = &settlement
		}
	}
	labels["outcome"] = "paid"
	c.metrics.IncCounter("payment_authorization", labels)
	c.logger.Info("paid request",
		zap.String("url", req.URL),
		zap.String("network", payment.Network),
		zap.String("amount", payment.Amount),
		zap.Int("status", retried.StatusCode),
	)
	return &Response{Response: retried, Payment: &payment}, nil
}

func (c *Client) authorize(ctx context.Context, sess Session, req Request, challenge Challenge) (Payment, string, error) {
	requirement, network, err := selectRequirement(challenge, sess.ChainID())
	if err != nil {
		return Payment{}, "", err
	}
	payment := Payment{
		Network: network.ID,
		ChainID: network.ChainID,
		Asset:   strings.ToLower(requirement.Asset),
		PayTo:   requirement.PayTo,
	}

	token, ok := registry.LookupToken(network.ChainID, requirement.Asset)
	if !ok {
		return payment, "", clierr.New(clierr.CodePaymentAuth, fmt.Sprintf("payment asset %s is not a known token on %s", requirement.Asset, network.Name))
	}
	payment.Symbol = token.Symbol

	value, err := id.ParseBaseUnits(requirement.MaxAmountRequired)
	if err != nil || value.Sign() <= 0 {
		return payment, "", clierr.New(clierr.CodeUpstream, fmt.Sprintf("invalid payment amount %q", requirement.MaxAmountRequired))
	}
	amount := id.FromBaseUnits(value, token.Decimals)
	payment.Amount = amount.String()
	payment.AmountBase = value.String()

	if err := c.checkCeiling(amount, token, network, req.Price); err != nil {
		return payment, "", err
	}
	if sess.ChainID() != network.ChainID {
		return payment, "", clierr.New(clierr.CodeNetworkMismatch, fmt.Sprintf("payment requires %s (chain %d) but wallet is on chain %d", network.Name, network.ChainID, sess.ChainID()))
	}
	if c.opts.PayeeAllowed != nil && !c.opts.PayeeAllowed(requirement.PayTo) {
		return payment, "", clierr.New(clierr.CodeBlocked, fmt.Sprintf("payee %s is not allowed by policy", requirement.PayTo))
	}
	if requirement.Resource != "" && !registry.SameResource(requirement.Resource, req.URL) {
		c.logger.Warn("challenge resource differs from request", zap.String("resource", requirement.Resource), zap.String("url", req.URL))
	}

	release, ok := sess.TryAcquire(flightKey)
	if !ok {
		return payment, "", clierr.New(clierr.CodeBusy, "a payment authorization is already in progress")
	}
	defer release()

	domain, err := tokenDomain(requirement, token, network)
	if err != nil {
		return payment, "", err
	}
	auth, err := c.newAuthorization(sess.Address(), requirement, value)
	if err != nil {
		return payment, "", err
	}
	payment.Authorization = auth

	sig, err := sess.SignTypedData(ctx, TypedData(domain, auth))
	if err != nil {
		return payment, "", signError(err)
	}
	digest, err := Digest(domain, auth)
	if err != nil {
		return payment, "", clierr.Wrap(clierr.CodePaymentAuth, "hash payment authorization", err)
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return payment, "", clierr.Wrap(clierr.CodePaymentAuth, "verify payment signature", err)
	}
	if signer != sess.Address() {
		return payment, "", clierr.New(clierr.CodePaymentAuth, fmt.Sprintf("wallet signed as %s, expected %s", signer.Hex(), sess.Address().Hex()))
	}

	header, err := PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     requirement.Network,
		Payload:     ExactEVMPayload{Signature: hexutil.Encode(sig), Authorization: auth},
	}.EncodeHeader()
	if err != nil {
		return payment, "", err
	}
	return payment, header, nil
}

func (c *Client) checkCeiling(amount decimal.Decimal, token registry.Token, network registry.Network, price *Price) error {
	if amount.GreaterThan(c.opts.MaxPaymentValue) {
		return clierr.New(clierr.CodePaymentCeiling, fmt.Sprintf("payment of %s %s exceeds the maximum of %s", amount.String(), token.Symbol, c.opts.MaxPaymentValue.String()))
	}
	if price == nil {
		return nil
	}
	if price.Asset != "" && !sameAddress(price.Asset, token.Address) && !strings.EqualFold(price.Asset, token.Symbol) {
		return clierr.New(clierr.CodePaymentAuth, fmt.Sprintf("challenge asset %s differs from advertised asset %s", token.Symbol, price.Asset))
	}
	if price.Network != "" {
		priced, err := registry.ParseNetwork(price.Network)
		if err == nil && priced.ChainID != network.ChainID {
			return clierr.New(clierr.CodeNetworkMismatch, fmt.Sprintf("challenge network %s differs from advertised network %s", network.ID, priced.ID))
		}
	}
	if amount.GreaterThan(price.Amount) {
		return clierr.New(clierr.CodePaymentCeiling, fmt.Sprintf("payment of %s %s exceeds the advertised price of %s", amount.String(), token.Symbol, price.Amount.String()))
	}
	return nil
}

func (c *Client) newAuthorization(payer common.Address, requirement PaymentRequirements, value *big.Int) (Authorization, error) {
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(c.opts.Rand, nonce); err != nil {
		return Authorization{}, clierr.Wrap(clierr.CodeInternal, "generate payment nonce", err)
	}
	timeout := requirement.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	now := c.opts.Now()
	return Authorization{
		From:        payer.Hex(),
		To:          common.HexToAddress(requirement.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(now.Add(-clockSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Duration(timeout)*time.Second).Unix(), 10),
		Nonce:       hexutil.Encode(nonce),
	}, nil
}

func (c *Client) send(ctx context.Context, req Request, payment string) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "build request", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if payment != "" {
		httpReq.Header.Set(HeaderPayment, payment)
	}
	return c.http.Open(ctx, httpReq)
}

// selectRequirement prefers an exact-scheme entry on the wallet's chain and
// otherwise returns the first exact-scheme entry on a known network.
func selectRequirement(challenge Challenge, walletChain int64) (PaymentRequirements, registry.Network, error) {
	var (
		fallback    *PaymentRequirements
		fallbackNet registry.Network
		unknown     []string
	)
	for i := range challenge.Accepts {
		req := challenge.Accepts[i]
		if !strings.EqualFold(req.Scheme, SchemeExact) {
			continue
		}
		network, err := registry.ParseNetwork(req.Network)
		if err != nil {
			unknown = append(unknown, req.Network)
			continue
		}
		if network.ChainID == walletChain {
			return req, network, nil
		}
		if fallback == nil {
			fallback, fallbackNet = &req, network
		}
	}
	if fallback != nil {
		return *fallback, fallbackNet, nil
	}
	if len(unknown) > 0 {
		return PaymentRequirements{}, registry.Network{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("payment requested on unsupported network %s", strings.Join(unknown, ", ")))
	}
	return PaymentRequirements{}, registry.Network{}, clierr.New(clierr.CodeUnsupported, "no supported payment scheme offered")
}

func tokenDomain(requirement PaymentRequirements, token registry.Token, network registry.Network) (Domain, error) {
	domain := Domain{
		Name:              requirement.ExtraString("name"),
		Version:           requirement.ExtraString("version"),
		ChainID:           network.ChainID,
		VerifyingContract: common.HexToAddress(requirement.Asset),
	}
	if domain.Name == "" {
		domain.Name = token.EIP712Name
	}
	if domain.Version == "" {
		domain.Version = token.EIP712Version
	}
	if domain.Name == "" || domain.Version == "" {
		return Domain{}, clierr.New(clierr.CodePaymentAuth, fmt.Sprintf("%s on %s does not support transfer authorizations", token.Symbol, network.Name))
	}
	return domain, nil
}

func signError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cerr, ok := clierr.As(err); ok {
		switch cerr.Code {
		case clierr.CodeUserRejected, clierr.CodeUnavailable:
			return err
		}
	}
	return clierr.Wrap(clierr.CodePaymentAuth, "sign payment authorization", err)
}

func refusalMessage(body []byte) string {
	var challenge Challenge
	if err := json.Unmarshal(body, &challenge); err == nil && challenge.Error != "" {
		return challenge.Error
	}
	if msg := strings.TrimSpace(string(body)); msg != "" && len(msg) < 512 {
		return msg
	}
	return "endpoint refused the payment"
}

func outcome(err error) string {
	if cerr, ok := clierr.As(err); ok {
		return clierr.TypeName(cerr.Code)
	}
	return "error"
}
