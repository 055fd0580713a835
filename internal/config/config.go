package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/paycall/internal/registry"
)

const appDir = "paycall"

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	YAML           bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	LogFormat      string
	Endpoint       string
	MaxPayment     string
	Connector      string
	BridgeURL      string
	Network        string
	KeySource      string
	Testnets       bool
}

type Settings struct {
	OutputMode         string   `validate:"oneof=json plain yaml"`
	SelectFields       []string `validate:"-"`
	ResultsOnly        bool
	EnableCommands     []string
	Strict             bool
	Timeout            time.Duration `validate:"gt=0"`
	Retries            int           `validate:"gte=0,lte=10"`
	MaxStale           time.Duration `validate:"gte=0"`
	NoStale            bool
	CacheEnabled       bool
	CachePath          string `validate:"required"`
	CacheLockPath      string `validate:"required"`
	ExecutionStorePath string `validate:"required"`
	ExecutionLockPath  string `validate:"required"`
	LogLevel           string `validate:"oneof=debug info warn error"`
	LogFormat          string `validate:"oneof=console json"`
	ToolEndpoint       string `validate:"omitempty,url"`
	MaxPaymentValue    decimal.Decimal
	AllowedPayees      []string `validate:"dive,eth_addr"`
	Threshold          decimal.Decimal
	PollInterval       time.Duration `validate:"gte=1s"`
	QueryTimeout       time.Duration `validate:"gt=0"`
	Concurrency        int           `validate:"gte=1,lte=64"`
	RPCRateLimit       float64       `validate:"gt=0"`
	Connector          string        `validate:"oneof=local bridge"`
	BridgeURL          string        `validate:"required_if=Connector bridge"`
	Network            string        `validate:"required"`
	KeySource          string        `validate:"oneof=auto env file keystore"`
	IncludeTestnets    bool
	MetricsAddr        string
	RPCOverrides       map[int64]string
	Prices             map[string]decimal.Decimal
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Execution struct {
		RecordsPath     string `yaml:"records_path"`
		RecordsLockPath string `yaml:"records_lock_path"`
	} `yaml:"execution"`
	Wallet struct {
		Connector string `yaml:"connector"`
		BridgeURL string `yaml:"bridge_url"`
		Network   string `yaml:"network"`
		KeySource string `yaml:"key_source"`
	} `yaml:"wallet"`
	Tools struct {
		Endpoint      string   `yaml:"endpoint"`
		MaxPayment    string   `yaml:"max_payment"`
		AllowedPayees []string `yaml:"allowed_payees"`
	} `yaml:"tools"`
	Balances struct {
		Threshold       string            `yaml:"threshold"`
		PollInterval    string            `yaml:"poll_interval"`
		QueryTimeout    string            `yaml:"query_timeout"`
		Concurrency     *int              `yaml:"concurrency"`
		RPCRateLimit    *float64          `yaml:"rpc_rate_limit"`
		IncludeTestnets *bool             `yaml:"include_testnets"`
		MetricsAddr     string            `yaml:"metrics_addr"`
		RPC             map[string]string `yaml:"rpc"`
		Prices          map[string]string `yaml:"prices"`
	} `yaml:"balances"`
}

var validate = validator.New()

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}
	applyEnv(&settings)
	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}
	if err := check(settings); err != nil {
		return Settings{}, err
	}
	// A single balance query must finish inside the command deadline.
	if settings.QueryTimeout >= settings.Timeout {
		settings.QueryTimeout = settings.Timeout * 3 / 4
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:         "json",
		Timeout:            10 * time.Second,
		Retries:            2,
		MaxStale:           5 * time.Minute,
		CacheEnabled:       true,
		CachePath:          cachePath,
		CacheLockPath:      lockPath,
		ExecutionStorePath: filepath.Join(cacheDir, "executions.db"),
		ExecutionLockPath:  filepath.Join(cacheDir, "executions.lock"),
		LogLevel:           "warn",
		LogFormat:          "console",
		MaxPaymentValue:    decimal.NewFromInt(1),
		Threshold:          decimal.RequireFromString("0.01"),
		PollInterval:       30 * time.Second,
		QueryTimeout:       5 * time.Second,
		Concurrency:        8,
		RPCRateLimit:       10,
		Connector:          "local",
		Network:            "base",
		KeySource:          "auto",
		RPCOverrides:       map[int64]string{},
		Prices:             map[string]decimal.Decimal{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("PAYCALL_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDir, "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, appDir)
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	setString(&settings.OutputMode, strings.ToLower(cfg.Output))
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	setString(&settings.LogLevel, strings.ToLower(cfg.Log.Level))
	setString(&settings.LogFormat, strings.ToLower(cfg.Log.Format))

	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if err := setDuration(&settings.MaxStale, cfg.Cache.MaxStale, "cache.max_stale"); err != nil {
		return err
	}
	setString(&settings.CachePath, cfg.Cache.Path)
	setString(&settings.CacheLockPath, cfg.Cache.LockPath)
	setString(&settings.ExecutionStorePath, cfg.Execution.RecordsPath)
	setString(&settings.ExecutionLockPath, cfg.Execution.RecordsLockPath)

	setString(&settings.Connector, strings.ToLower(cfg.Wallet.Connector))
	setString(&settings.BridgeURL, cfg.Wallet.BridgeURL)
	setString(&settings.Network, cfg.Wallet.Network)
	setString(&settings.KeySource, strings.ToLower(cfg.Wallet.KeySource))

	setString(&settings.ToolEndpoint, cfg.Tools.Endpoint)
	if err := setDecimal(&settings.MaxPaymentValue, cfg.Tools.MaxPayment, "tools.max_payment"); err != nil {
		return err
	}
	if len(cfg.Tools.AllowedPayees) > 0 {
		settings.AllowedPayees = cfg.Tools.AllowedPayees
	}

	if err := setDecimal(&settings.Threshold, cfg.Balances.Threshold, "balances.threshold"); err != nil {
		return err
	}
	if err := setDuration(&settings.PollInterval, cfg.Balances.PollInterval, "balances.poll_interval"); err != nil {
		return err
	}
	if err := setDuration(&settings.QueryTimeout, cfg.Balances.QueryTimeout, "balances.query_timeout"); err != nil {
		return err
	}
	if cfg.Balances.Concurrency != nil {
		settings.Concurrency = *cfg.Balances.Concurrency
	}
	if cfg.Balances.RPCRateLimit != nil {
		settings.RPCRateLimit = *cfg.Balances.RPCRateLimit
	}
	if cfg.Balances.IncludeTestnets != nil {
		settings.IncludeTestnets = *cfg.Balances.IncludeTestnets
	}
	setString(&settings.MetricsAddr, cfg.Balances.MetricsAddr)
	for key, url := range cfg.Balances.RPC {
		network, err := registry.ParseNetwork(key)
		if err != nil {
			return fmt.Errorf("config balances.rpc.%s: %w", key, err)
		}
		settings.RPCOverrides[network.ChainID] = url
	}
	for symbol, raw := range cfg.Balances.Prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("config balances.prices.%s: %w", symbol, err)
		}
		settings.Prices[strings.ToUpper(symbol)] = price
	}
	return nil
}

func applyEnv(settings *Settings) {
	envString("PAYCALL_OUTPUT", &settings.OutputMode, strings.ToLower)
	envBool("PAYCALL_STRICT", func(b bool) { settings.Strict = b })
	envDuration("PAYCALL_TIMEOUT", &settings.Timeout)
	envDuration("PAYCALL_QUERY_TIMEOUT", &settings.QueryTimeout)
	if v := os.Getenv("PAYCALL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	envDuration("PAYCALL_MAX_STALE", &settings.MaxStale)
	envBool("PAYCALL_NO_STALE", func(b bool) { settings.NoStale = b })
	envBool("PAYCALL_NO_CACHE", func(b bool) { settings.CacheEnabled = !b })
	envString("PAYCALL_CACHE_PATH", &settings.CachePath, nil)
	envString("PAYCALL_CACHE_LOCK_PATH", &settings.CacheLockPath, nil)
	envString("PAYCALL_RECORDS_PATH", &settings.ExecutionStorePath, nil)
	envString("PAYCALL_RECORDS_LOCK_PATH", &settings.ExecutionLockPath, nil)
	envString("PAYCALL_LOG_LEVEL", &settings.LogLevel, strings.ToLower)
	envString("PAYCALL_LOG_FORMAT", &settings.LogFormat, strings.ToLower)
	envString("PAYCALL_TOOL_ENDPOINT", &settings.ToolEndpoint, nil)
	if v := os.Getenv("PAYCALL_MAX_PAYMENT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			settings.MaxPaymentValue = d
		}
	}
	if v := os.Getenv("PAYCALL_ALLOWED_PAYEES"); v != "" {
		settings.AllowedPayees = splitList(v)
	}
	envString("PAYCALL_CONNECTOR", &settings.Connector, strings.ToLower)
	envString("PAYCALL_BRIDGE_URL", &settings.BridgeURL, nil)
	envString("PAYCALL_NETWORK", &settings.Network, nil)
	envString("PAYCALL_KEY_SOURCE", &settings.KeySource, strings.ToLower)
	envBool("PAYCALL_INCLUDE_TESTNETS", func(b bool) { settings.IncludeTestnets = b })
	envString("PAYCALL_METRICS_ADDR", &settings.MetricsAddr, nil)
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	modes := 0
	for _, set := range []bool{flags.JSON, flags.Plain, flags.YAML} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("use only one of --json, --plain and --yaml")
	}
	switch {
	case flags.JSON:
		settings.OutputMode = "json"
	case flags.Plain:
		settings.OutputMode = "plain"
	case flags.YAML:
		settings.OutputMode = "yaml"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	setString(&settings.LogLevel, strings.ToLower(flags.LogLevel))
	setString(&settings.LogFormat, strings.ToLower(flags.LogFormat))
	setString(&settings.ToolEndpoint, flags.Endpoint)
	if flags.MaxPayment != "" {
		d, err := decimal.NewFromString(flags.MaxPayment)
		if err != nil {
			return fmt.Errorf("parse --max-payment: %w", err)
		}
		settings.MaxPaymentValue = d
	}
	setString(&settings.Connector, strings.ToLower(flags.Connector))
	setString(&settings.BridgeURL, flags.BridgeURL)
	setString(&settings.Network, flags.Network)
	setString(&settings.KeySource, strings.ToLower(flags.KeySource))
	if flags.Testnets {
		settings.IncludeTestnets = true
	}
	return nil
}

func check(settings Settings) error {
	if err := validate.Struct(settings); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid setting %s (%s=%s): %q", fe.Field(), fe.Tag(), fe.Param(), fmt.Sprint(fe.Value()))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	if settings.MaxPaymentValue.IsNegative() {
		return fmt.Errorf("max payment must not be negative")
	}
	if settings.Threshold.IsNegative() {
		return fmt.Errorf("balance threshold must not be negative")
	}
	if settings.BridgeURL != "" && !strings.HasPrefix(settings.BridgeURL, "ws://") && !strings.HasPrefix(settings.BridgeURL, "wss://") {
		return fmt.Errorf("bridge url must use ws:// or wss://")
	}
	if _, err := registry.ParseNetwork(settings.Network); err != nil {
		return fmt.Errorf("wallet network: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, v, key string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setDecimal(dst *decimal.Decimal, v, key string) error {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envString(key string, dst *string, transform func(string) string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if transform != nil {
		v = transform(v)
	}
	*dst = v
}

func envBool(key string, set func(bool)) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			set(b)
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
