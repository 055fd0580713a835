package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	EnvPrivateKey           = "PAYCALL_PRIVATE_KEY"
	EnvPrivateKeyFile       = "PAYCALL_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "PAYCALL_KEYSTORE_PATH"
	EnvKeystorePassword     = "PAYCALL_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "PAYCALL_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "paycall/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/paycall/key.hex"
)

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	origin     string
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Origin names where the key was loaded from, never the key itself.
func (s *LocalSigner) Origin() string {
	return s.origin
}

// SignTypedData signs the EIP-712 digest of data and returns a 65-byte
// signature with v in {27, 28}, matching eth_signTypedData_v4.
func (s *LocalSigner) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	return NewLocalSignerFromInputs(source, "")
}

// NewLocalSignerFromInputs loads the wallet key. A non-empty override (the
// --private-key flag) wins over every source; otherwise source narrows which
// of the environment inputs are considered.
func NewLocalSignerFromInputs(source, privateKeyOverride string) (*LocalSigner, error) {
	if override := strings.TrimSpace(privateKeyOverride); override != "" {
		s, err := NewLocalSigner(LocalSignerConfig{PrivateKeyHex: override})
		if err == nil {
			s.origin = "--private-key"
		}
		return s, err
	}
	cfg, err := configFromEnv(source)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(cfg)
}

func configFromEnv(source string) (LocalSignerConfig, error) {
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
	case KeySourceEnv:
		cfg.PrivateKeyFile, cfg.KeystorePath = "", ""
	case KeySourceFile:
		cfg.PrivateKeyHex, cfg.KeystorePath = "", ""
	case KeySourceKeystore:
		cfg.PrivateKeyHex, cfg.PrivateKeyFile = "", ""
	default:
		return LocalSignerConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	return cfg, nil
}

// LocalSignerConfig lists candidate key inputs. The first non-empty one in
// field order is used.
type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, origin, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey), origin: origin}, nil
}

func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, string, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		pk, err := parseHexKey(cfg.PrivateKeyHex)
		return pk, "hex key", err
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		raw, err := readSecret(cfg.PrivateKeyFile, "private key file")
		if err != nil {
			return nil, "", err
		}
		pk, err := parseHexKey(raw)
		return pk, "file " + cfg.PrivateKeyFile, err
	case strings.TrimSpace(cfg.KeystorePath) != "":
		pk, err := decryptKeystore(cfg)
		return pk, "keystore " + cfg.KeystorePath, err
	}
	return nil, "", fmt.Errorf("missing signing key: set %s, write a key to %s, or pass --private-key", EnvPrivateKey, defaultPrivateKeyHintPath)
}

func decryptKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	password := strings.TrimSpace(cfg.KeystorePassword)
	if password == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		raw, err := readSecret(cfg.KeystorePasswordFile, "keystore password file")
		if err != nil {
			return nil, err
		}
		password = raw
	}
	if password == "" {
		return nil, fmt.Errorf("keystore password is required")
	}
	buf, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// readSecret reads a key or password file. On Unix the file must not be
// readable by group or others, since the key can authorize payments.
func readSecret(path, what string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", what, err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%s %s is accessible by other users (mode %04o); run chmod 600 %s", what, path, info.Mode().Perm(), path)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", what, err)
	}
	return strings.TrimSpace(string(buf)), nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
