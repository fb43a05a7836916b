package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "0x00000000000000000000000000000000000000Aa"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OWNER", testOwner)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "REN", cfg.TokenSymbol)
	assert.Equal(t, uint8(18), cfg.TokenDecimals)
	assert.Equal(t, "100000000000000000000000", cfg.MinimumBondAmount().Dec())
	assert.Equal(t, common.HexToAddress(testOwner), cfg.OwnerAddress())
	assert.Empty(t, cfg.DBDriver)
}

func TestLoadRequiresOwner(t *testing.T) {
	t.Setenv("OWNER", "")
	_, err := Load("")
	assert.ErrorContains(t, err, "owner address is required")
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
port: "9000"
logLevel: debug
owner: "0x00000000000000000000000000000000000000bb"
dbDriver: sqlite
sqlitePath: /tmp/pools.db
allowedOrigins:
  - https://a.test
minimumBondEpochs: 4
`)
	t.Setenv("PORT", "9100")
	t.Setenv("ALLOWED_ORIGINS", "https://b.test,https://c.test")
	t.Setenv("SHUTDOWN_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "/tmp/pools.db", cfg.DSN())
	assert.Equal(t, []string{"https://b.test", "https://c.test"}, cfg.AllowedOrigins)
	assert.Equal(t, uint64(4), cfg.MinimumBondEpochs)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, common.HexToAddress("0xbb"), cfg.OwnerAddress())
}

func TestLoadFileFromEnvironment(t *testing.T) {
	path := writeFile(t, "owner: \""+testOwner+"\"\ntokenSymbol: tREN\n")
	t.Setenv(FileEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tREN", cfg.TokenSymbol)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("OWNER", testOwner)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "error reading config file")

	_, err = Load(writeFile(t, "port: [unclosed"))
	assert.ErrorContains(t, err, "error parsing config file")

	t.Setenv("TOKEN_DECIMALS", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "error processing environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "port cannot be empty"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"bad driver", func(c *Config) { c.DBDriver = "mysql" }, "invalid database driver"},
		{"zero owner", func(c *Config) { c.Owner = "0x0000000000000000000000000000000000000000" }, "invalid owner address"},
		{"bad token", func(c *Config) { c.Token = "0x123" }, "invalid token address"},
		{"bad bond", func(c *Config) { c.MinimumBond = "1e18" }, "invalid minimum bond"},
		{"negative faucet", func(c *Config) { c.FaucetAmount = "-5" }, "invalid faucet amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Owner = testOwner
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := Default()
	cfg.DBDriver = "postgres"
	cfg.DBHost = "db"
	cfg.DBUser = "renpool"
	cfg.DBPassword = "secret"
	cfg.DBName = "pools"
	cfg.DBPort = "5432"
	assert.Equal(t, "host=db user=renpool password=secret dbname=pools port=5432 sslmode=disable", cfg.DSN())
}

func TestDerivedAddresses(t *testing.T) {
	cfg := Default()
	cfg.Owner = testOwner
	cfg.ClaimRewards = "0x00000000000000000000000000000000000000c1"
	cfg.Gateway = "0x00000000000000000000000000000000000000c2"

	assert.Equal(t, crypto.CreateAddress(common.HexToAddress(testOwner), 0), cfg.FactoryAddr())
	assert.Equal(t, common.HexToAddress("0xc1"), cfg.TreasuryAddr())

	cfg.FactoryAddress = "0x00000000000000000000000000000000000000f1"
	cfg.Treasury = "0x00000000000000000000000000000000000000f2"
	assert.Equal(t, common.HexToAddress("0xf1"), cfg.FactoryAddr())
	assert.Equal(t, common.HexToAddress("0xf2"), cfg.TreasuryAddr())

	defaults := cfg.PoolDefaults()
	assert.Equal(t, common.HexToAddress("0xc2"), defaults.Gateway)
	assert.Equal(t, common.Address{}, defaults.Token)
	assert.Nil(t, defaults.Bond)
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	cfg := Default()
	assert.Same(t, cfg, FromContext(WithContext(context.Background(), cfg)))
}
