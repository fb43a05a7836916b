// Package config loads service configuration from an optional YAML file, a
// .env file and the environment, in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/factory"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "renpool.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// FileEnv names the environment variable holding the YAML config path
const FileEnv = "RENPOOL_CONFIG"

type Config struct {
	Port            string        `yaml:"port"            envconfig:"PORT"`
	LogLevel        string        `yaml:"logLevel"        envconfig:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"  envconfig:"ALLOWED_ORIGINS"`

	// DBDriver is postgres or sqlite. An empty driver disables the journal.
	DBDriver   string `yaml:"dbDriver"   envconfig:"DB_DRIVER"`
	DBHost     string `yaml:"dbHost"     envconfig:"DB_HOST"`
	DBPort     string `yaml:"dbPort"     envconfig:"DB_PORT"`
	DBUser     string `yaml:"dbUser"     envconfig:"DB_USER"`
	DBPassword string `yaml:"dbPassword" envconfig:"DB_PASSWORD"`
	DBName     string `yaml:"dbName"     envconfig:"DB_NAME"`
	DBSSLMode  string `yaml:"dbSSLMode"  envconfig:"DB_SSLMODE"`
	SQLitePath string `yaml:"sqlitePath" envconfig:"SQLITE_PATH"`

	// An empty address disables the redis event subscriber
	RedisAddr     string `yaml:"redisAddr"     envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB"       envconfig:"REDIS_DB"`
	RedisChannel  string `yaml:"redisChannel"  envconfig:"REDIS_CHANNEL"`

	Owner          string `yaml:"owner"          envconfig:"OWNER"`
	FactoryAddress string `yaml:"factoryAddress" envconfig:"FACTORY_ADDRESS"`
	Treasury       string `yaml:"treasury"       envconfig:"TREASURY"`

	// Default external identities for pools deployed without them
	Token        string `yaml:"token"        envconfig:"TOKEN"`
	Registry     string `yaml:"registry"     envconfig:"REGISTRY"`
	Payment      string `yaml:"payment"      envconfig:"PAYMENT"`
	ClaimRewards string `yaml:"claimRewards" envconfig:"CLAIM_REWARDS"`
	Gateway      string `yaml:"gateway"      envconfig:"GATEWAY"`

	TokenSymbol       string `yaml:"tokenSymbol"       envconfig:"TOKEN_SYMBOL"`
	TokenDecimals     uint8  `yaml:"tokenDecimals"     envconfig:"TOKEN_DECIMALS"`
	MinimumBond       string `yaml:"minimumBond"       envconfig:"MINIMUM_BOND"`
	MinimumBondEpochs uint64 `yaml:"minimumBondEpochs" envconfig:"MINIMUM_BOND_EPOCHS"`
	FaucetAmount      string `yaml:"faucetAmount"      envconfig:"FAUCET_AMOUNT"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:              "8080",
		LogLevel:          "info",
		ShutdownTimeout:   30 * time.Second,
		AllowedOrigins:    []string{"http://localhost:3000"},
		DBSSLMode:         "disable",
		SQLitePath:        "renpool.db",
		RedisChannel:      "renpool:events",
		TokenSymbol:       "REN",
		TokenDecimals:     18,
		MinimumBond:       "100000000000000000000000", // 100,000 REN
		MinimumBondEpochs: 1,
		FaucetAmount:      "100000000000000000000000",
	}
}

// Load builds the configuration. Values from configFile (or the file named by
// RENPOOL_CONFIG when configFile is empty) override the defaults, and the
// environment overrides both. A .env file in the working directory is loaded
// into the environment first when present.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	cfg := Default()
	if configFile == "" {
		configFile = os.Getenv(FileEnv)
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks addresses, amounts and enumerations
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port cannot be empty")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.DBDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database driver %q (must be 'postgres' or 'sqlite')", c.DBDriver)
	}
	if c.Owner == "" {
		return errors.New("owner address is required")
	}
	if !common.IsHexAddress(c.Owner) || common.HexToAddress(c.Owner) == (common.Address{}) {
		return fmt.Errorf("invalid owner address %q", c.Owner)
	}
	addresses := map[string]string{
		"factory address": c.FactoryAddress,
		"treasury":        c.Treasury,
		"token":           c.Token,
		"registry":        c.Registry,
		"payment":         c.Payment,
		"claim rewards":   c.ClaimRewards,
		"gateway":         c.Gateway,
	}
	for name, value := range addresses {
		if value != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("invalid %s address %q", name, value)
		}
	}
	amounts := map[string]string{
		"minimum bond":  c.MinimumBond,
		"faucet amount": c.FaucetAmount,
	}
	for name, value := range amounts {
		if _, err := uint256.FromDecimal(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	return nil
}

// DSN returns the connection string for the configured driver
func (c *Config) DSN() string {
	if c.DBDriver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

// Level returns the parsed log level. Validate has already accepted it.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c *Config) OwnerAddress() common.Address {
	return common.HexToAddress(c.Owner)
}

// FactoryAddr returns the configured factory address, or the address of the
// owner's first contract creation when none is set
func (c *Config) FactoryAddr() common.Address {
	if c.FactoryAddress != "" {
		return common.HexToAddress(c.FactoryAddress)
	}
	return crypto.CreateAddress(c.OwnerAddress(), 0)
}

// TreasuryAddr returns the reward treasury, which defaults to the claim
// rewards identity
func (c *Config) TreasuryAddr() common.Address {
	if c.Treasury != "" {
		return common.HexToAddress(c.Treasury)
	}
	return common.HexToAddress(c.ClaimRewards)
}

// PoolDefaults returns the external identities given to pools deployed
// without them
func (c *Config) PoolDefaults() factory.Params {
	return factory.Params{
		Token:        address(c.Token),
		Registry:     address(c.Registry),
		Payment:      address(c.Payment),
		ClaimRewards: address(c.ClaimRewards),
		Gateway:      address(c.Gateway),
	}
}

func (c *Config) MinimumBondAmount() *uint256.Int {
	return uint256.MustFromDecimal(c.MinimumBond)
}

func (c *Config) FaucetAmountValue() *uint256.Int {
	return uint256.MustFromDecimal(c.FaucetAmount)
}

func address(s string) common.Address {
	if strings.TrimSpace(s) == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
