// Package config loads gateway configuration from config.yaml and the
// environment (BPAY_ prefix), environment winning.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Payment     PaymentConfig     `koanf:"payment"`
	Facilitator FacilitatorConfig `koanf:"facilitator"`
	Upstream    UpstreamConfig    `koanf:"upstream"`
	Registry    RegistryConfig    `koanf:"registry"`
	Admin       AdminConfig       `koanf:"admin"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// PaymentConfig is the payee identity this gateway charges for.
type PaymentConfig struct {
	Network string `koanf:"network"`
	Asset   string `koanf:"asset"`
	PayTo   string `koanf:"pay_to"`
}

type FacilitatorConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
	Verify         bool   `koanf:"verify"`
}

type UpstreamConfig struct {
	TimeoutSeconds int    `koanf:"timeout_seconds"`
	AuthSecret     string `koanf:"auth_secret"`
	AuthIssuer     string `koanf:"auth_issuer"`
}

type RegistryConfig struct {
	CacheTTLSeconds int `koanf:"cache_ttl_seconds"`
}

// AdminConfig guards the registry admin surface. An empty token disables it.
type AdminConfig struct {
	Token string `koanf:"token"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile loads configuration from path (missing file is fine) and then the
// environment.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("BPAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "BPAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute ${VAR} references so secrets can stay out of the file
	cfg.Upstream.AuthSecret = substituteEnvVars(cfg.Upstream.AuthSecret)
	cfg.Admin.Token = substituteEnvVars(cfg.Admin.Token)
	cfg.Payment.PayTo = substituteEnvVars(cfg.Payment.PayTo)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                 8402,
		"storage.type":                "sqlite",
		"storage.sqlite.path":         "./data/gateway.db",
		"payment.network":             "base",
		"facilitator.url":             "https://x402.org/facilitator",
		"facilitator.timeout_seconds": 30,
		"upstream.timeout_seconds":    60,
		"upstream.auth_issuer":        "builderpay-gateway",
		"registry.cache_ttl_seconds":  30,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
	if cfg.Payment.PayTo == "" {
		return fmt.Errorf("payment.pay_to is required")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
