package registry

import (
	"sort"
	"strings"
)

// NativeTokenAddress is the ERC-7528 placeholder used for a chain's native currency.
const NativeTokenAddress = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

const (
	LiquidityHigh   = "high"
	LiquidityMedium = "medium"
	LiquidityLow    = "low"

	DefaultSearchLimit = 20
	maxSearchLimit     = 100
)

type Token struct {
	Network        string   `json:"network"`
	ChainID        int64    `json:"chain_id"`
	Address        string   `json:"address"`
	Symbol         string   `json:"symbol"`
	Name           string   `json:"name"`
	Decimals       int      `json:"decimals"`
	Stablecoin     bool     `json:"stablecoin"`
	Native         bool     `json:"native"`
	Popularity     int      `json:"popularity"`
	LiquidityTier  string   `json:"liquidity_tier"`
	Verified       bool     `json:"verified"`
	VerifiedSource string   `json:"verified_source,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	// EIP-712 domain of tokens supporting transferWithAuthorization.
	EIP712Name    string `json:"eip712_name,omitempty"`
	EIP712Version string `json:"eip712_version,omitempty"`
}

type tokenKey struct {
	chainID int64
	address string
}

func nativeToken(chainID int64, popularity int, tags ...string) Token {
	n := networkByChainID[chainID]
	return Token{
		ChainID:        chainID,
		Address:        NativeTokenAddress,
		Symbol:         n.NativeCurrency.Symbol,
		Name:           n.NativeCurrency.Name,
		Decimals:       n.NativeCurrency.Decimals,
		Native:         true,
		Popularity:     popularity,
		LiquidityTier:  LiquidityHigh,
		Verified:       true,
		VerifiedSource: "chain",
		Tags:           append([]string{"native", "gas"}, tags...),
	}
}

func usdc(chainID int64, address, eip712Name string, popularity int) Token {
	return Token{
		ChainID:        chainID,
		Address:        address,
		Symbol:         "USDC",
		Name:           "USD Coin",
		Decimals:       6,
		Stablecoin:     true,
		Popularity:     popularity,
		LiquidityTier:  LiquidityHigh,
		Verified:       true,
		VerifiedSource: "circle",
		Tags:           []string{"stablecoin", "usd", "circle", "eip3009"},
		EIP712Name:     eip712Name,
		EIP712Version:  "2",
	}
}

func usdt(chainID int64, address string) Token {
	return Token{
		ChainID: chainID, Address: address, Symbol: "USDT", Name: "Tether USD", Decimals: 6,
		Stablecoin: true, Popularity: 95, LiquidityTier: LiquidityHigh, Verified: true, VerifiedSource: "tether",
		Tags: []string{"stablecoin", "usd", "tether"},
	}
}

func dai(chainID int64, address string) Token {
	return Token{
		ChainID: chainID, Address: address, Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18,
		Stablecoin: true, Popularity: 70, LiquidityTier: LiquidityMedium, Verified: true, VerifiedSource: "sky",
		Tags: []string{"stablecoin", "usd", "maker"},
	}
}

func weth(chainID int64, address string) Token {
	return Token{
		ChainID: chainID, Address: address, Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18,
		Popularity: 80, LiquidityTier: LiquidityHigh, Verified: true, VerifiedSource: "canonical",
		Tags: []string{"wrapped", "ether"},
	}
}

func catalogTokens() []Token {
	return []Token{
		nativeToken(1, 98, "ether"),
		usdc(1, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "USD Coin", 100),
		usdt(1, "0xdac17f958d2ee523a2206206994597c13d831ec7"),
		dai(1, "0x6b175474e89094c44da98b954eedeac495271d0f"),
		weth(1, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"),

		nativeToken(11155111, 40, "ether"),
		usdc(11155111, "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238", "USDC", 45),

		nativeToken(8453, 90, "ether"),
		usdc(8453, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "USD Coin", 99),
		dai(8453, "0x50c5725949a6f0c72e6c4a641f24049a917db0cb"),
		weth(8453, "0x4200000000000000000000000000000000000006"),

		nativeToken(84532, 40, "ether"),
		usdc(84532, "0x036cbd53842c5426634e7929541ec2318f3dcf7e", "USDC", 50),

		nativeToken(10, 75, "ether"),
		usdc(10, "0x0b2c639c533813f4aa9d7837caf62653d097ff85", "USD Coin", 90),
		usdt(10, "0x94b008aa00579c1307b0ef2c499ad98a8ce58e58"),
		weth(10, "0x4200000000000000000000000000000000000006"),

		nativeToken(42161, 85, "ether"),
		usdc(42161, "0xaf88d065e77c8cc2239327c5edb3a432268e5831", "USD Coin", 95),
		usdt(42161, "0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9"),
		dai(42161, "0xda10009cbd5d07dd0cecc66161fc93d7c9000da1"),
		weth(42161, "0x82af49447d8a07e3bd95bd0d56f35241523fbab1"),

		nativeToken(137, 60, "matic"),
		usdc(137, "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", "USD Coin", 92),
		usdt(137, "0xc2132d05d31c914a87c6611c10748aeb04b58e8f"),

		nativeToken(80002, 30, "matic"),
		usdc(80002, "0x41e94eb019c0762f9bfcf9fb1e58725bfb0e7582", "USDC", 40),

		nativeToken(43114, 65),
		usdc(43114, "0xb97ef9ef8734c71904d8002f8b6bc66dd9c48a6e", "USD Coin", 88),
		usdt(43114, "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7"),

		nativeToken(43113, 30),
		usdc(43113, "0x5425890298aed601595a70ab815c96711a31bc65", "USD Coin", 40),

		nativeToken(1329, 50),
		usdc(1329, "0xe15fc38f6d8c56af07bbcbe3baf5708a2bf42392", "USDC", 70),

		nativeToken(1328, 35),
		usdc(1328, "0x4fcf1784b31630811181f670aea7a7bef803eaed", "USDC", 45),
	}
}

var (
	tokens       []Token
	tokenByKey   = map[tokenKey]Token{}
	tokensByNet  = map[int64][]Token{}
	tokensBySymb = map[string][]Token{}
)

func init() {
	tokens = catalogTokens()
	for i := range tokens {
		t := &tokens[i]
		t.Address = strings.ToLower(t.Address)
		t.Network = networkByChainID[t.ChainID].ID
		key := tokenKey{chainID: t.ChainID, address: t.Address}
		tokenByKey[key] = *t
		tokensByNet[t.ChainID] = append(tokensByNet[t.ChainID], *t)
		sym := strings.ToUpper(t.Symbol)
		tokensBySymb[sym] = append(tokensBySymb[sym], *t)
	}
	for sym := range tokensBySymb {
		sortByPopularity(tokensBySymb[sym])
	}
}

// LookupToken finds a token by network and address, ignoring address case.
func LookupToken(chainID int64, address string) (Token, bool) {
	t, ok := tokenByKey[tokenKey{chainID: chainID, address: strings.ToLower(strings.TrimSpace(address))}]
	return t, ok
}

// LookupBySymbol returns every token with the symbol, most popular first.
func LookupBySymbol(symbol string) []Token {
	matches := tokensBySymb[strings.ToUpper(strings.TrimSpace(symbol))]
	out := make([]Token, len(matches))
	copy(out, matches)
	return out
}

// TokenBySymbol returns the single token with the symbol on a network.
func TokenBySymbol(chainID int64, symbol string) (Token, bool) {
	for _, t := range tokensBySymb[strings.ToUpper(strings.TrimSpace(symbol))] {
		if t.ChainID == chainID {
			return t, true
		}
	}
	return Token{}, false
}

// SearchTokens matches the query against token names, symbols and tags.
// Results are ordered by popularity and capped at limit.
func SearchTokens(query string, limit int) []Token {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Token{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	out := []Token{}
	for _, t := range tokens {
		if tokenMatches(t, q) {
			out = append(out, t)
		}
	}
	sortByPopularity(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func tokenMatches(t Token, q string) bool {
	if strings.Contains(strings.ToLower(t.Name), q) || strings.EqualFold(t.Symbol, q) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// NetworkTokens lists the tracked tokens of one network.
func NetworkTokens(chainID int64) []Token {
	out := make([]Token, len(tokensByNet[chainID]))
	copy(out, tokensByNet[chainID])
	return out
}

func sortByPopularity(items []Token) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Popularity != items[j].Popularity {
			return items[i].Popularity > items[j].Popularity
		}
		return items[i].ChainID < items[j].ChainID
	})
}
