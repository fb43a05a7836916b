package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/irfndi/renpool/internal/api"
	"github.com/irfndi/renpool/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newAccount(t *testing.T) account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

type testServer struct {
	t *testing.T
	s *server
}

func testConfig(t *testing.T, owner common.Address) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Owner = owner.Hex()
	cfg.Treasury = "0x00000000000000000000000000000000000000f2"
	cfg.DBDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "renpool.db")
	cfg.MinimumBond = "1000"
	cfg.MinimumBondEpochs = 1
	cfg.FaucetAmount = "1000"
	require.NoError(t, cfg.Validate())
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := newServer(context.Background(), cfg, logger)
	require.NoError(t, err)
	return &testServer{t: t, s: s}
}

func setupServer(t *testing.T, owner common.Address) *testServer {
	t.Helper()
	ts := startServer(t, testConfig(t, owner))
	t.Cleanup(ts.s.close)
	return ts
}

// do performs a request, signing a fresh bearer token for as when set
func (ts *testServer) do(method, path string, as *account, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		keyHex := hex.EncodeToString(crypto.FromECDSA(as.key))
		_, token, err := signBearer(keyHex, time.Now())
		require.NoError(ts.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServePoolLifecycle(t *testing.T) {
	owner, operator, alice, bob := newAccount(t), newAccount(t), newAccount(t), newAccount(t)
	ts := setupServer(t, owner.address)

	w := ts.do(http.MethodPost, "/api/v1/pools", &operator, gin.H{"bond": "1000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	deployed := decodeBody[api.PoolResponse](t, w)
	assert.Equal(t, owner.address.Hex(), deployed.Owner)
	assert.Equal(t, operator.address.Hex(), deployed.NodeOperator)
	poolPath := "/api/v1/pools/" + deployed.Address

	for _, depositor := range []struct {
		acct   account
		amount string
	}{{alice, "600"}, {bob, "400"}} {
		acct := depositor.acct
		w = ts.do(http.MethodPost, "/api/v1/ledger/faucet", &acct, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		w = ts.do(http.MethodPost, "/api/v1/ledger/approve", &acct, gin.H{"spender": deployed.Address, "amount": depositor.amount})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		w = ts.do(http.MethodPost, poolPath+"/deposit", &acct, gin.H{"amount": depositor.amount})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, poolPath+"/lock", &alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(http.MethodPost, poolPath+"/lock", &operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	locked := decodeBody[api.PoolResponse](t, w)
	assert.True(t, locked.IsLocked)
	assert.Equal(t, "1000", locked.TotalPooled)

	w = ts.do(http.MethodPost, poolPath+"/withdraw", &alice, gin.H{"amount": "1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/darknode/rewards", &operator, gin.H{"node": deployed.Address, "amount": "101"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = ts.do(http.MethodPost, "/api/v1/darknode/rewards", &owner, gin.H{"node": deployed.Address, "amount": "101"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, poolPath+"/claim", &alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "100", decodeBody[map[string]string](t, w)["distributed"])

	w = ts.do(http.MethodGet, poolPath, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", decodeBody[api.PoolResponse](t, w).RetainedRewards)

	w = ts.do(http.MethodPost, poolPath+"/unlock", &operator, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DEREGISTRATION_PENDING", decodeBody[map[string]string](t, w)["code"])

	w = ts.do(http.MethodPost, "/api/v1/darknode/epoch", &owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(http.MethodPost, poolPath+"/unlock", &operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodPost, poolPath+"/withdraw", &alice, gin.H{"amount": "600"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, "/api/v1/ledger/balances/"+alice.address.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1060", decodeBody[api.BalanceResponse](t, w).Balance)

	want := []string{"pool_deployed", "deposit", "deposit", "pool_locked", "rewards_claimed", "pool_unlocked", "withdrawal"}
	var events []api.EventResponse
	require.Eventually(t, func() bool {
		w := ts.do(http.MethodGet, poolPath+"/events", nil, nil)
		if w.Code != http.StatusOK {
			return false
		}
		events = decodeBody[[]api.EventResponse](t, w)
		return len(events) == len(want)
	}, 5*time.Second, 20*time.Millisecond)
	for i, evt := range events {
		assert.Equal(t, want[i], evt.Type)
	}
	assert.Equal(t, alice.address.Hex(), events[len(events)-1].Actor)
}

func TestServeRejectsUnsignedMutations(t *testing.T) {
	ts := setupServer(t, newAccount(t).address)

	w := ts.do(http.MethodPost, "/api/v1/pools", nil, gin.H{"bond": "1000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/faucet", nil)
	req.Header.Set("Authorization", "Bearer 0xdead:nonce:1:"+common.Address{}.Hex())
	rec := httptest.NewRecorder()
	ts.s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHealthAndMetrics(t *testing.T) {
	operator := newAccount(t)
	ts := setupServer(t, newAccount(t).address)

	w := ts.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["journal"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = ts.do(http.MethodPost, "/api/v1/pools", &operator, gin.H{"bond": "1000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := ts.do(http.MethodGet, "/metrics", nil, nil)
		return w.Code == http.StatusOK &&
			strings.Contains(w.Body.String(), "renpool_pools_deployed_total 1") &&
			strings.Contains(w.Body.String(), "renpool_websocket_connections 0")
	}, 5*time.Second, 20*time.Millisecond)

	w = ts.do(http.MethodGet, "/api/v1/factory", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	factory := decodeBody[api.FactoryResponse](t, w)
	assert.Equal(t, 1, factory.PoolCount)
	assert.Equal(t, "REN", factory.TokenSymbol)
}

func TestServeWithoutDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Owner = newAccount(t).address.Hex()
	ts := startServer(t, cfg)
	t.Cleanup(ts.s.close)

	operator := newAccount(t)
	w := ts.do(http.MethodPost, "/api/v1/pools", &operator, gin.H{"bond": "1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	address := decodeBody[api.PoolResponse](t, w).Address

	w = ts.do(http.MethodGet, "/api/v1/pools/"+address+"/events", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = ts.do(http.MethodGet, "/api/v1/history/pools", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNewServerRejectsBadDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Owner = newAccount(t).address.Hex()
	cfg.DBDriver = "mysql"
	_, err := newServer(context.Background(), cfg, logrus.New())
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestSignBearer(t *testing.T) {
	acct := newAccount(t)
	keyHex := "0x" + hex.EncodeToString(crypto.FromECDSA(acct.key))

	address, token, err := signBearer(keyHex, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Equal(t, acct.address.Hex(), address)

	parts := strings.Split(token, ":")
	require.Len(t, parts, 4)
	assert.True(t, strings.HasPrefix(parts[0], "0x"))
	assert.Len(t, parts[1], 32)
	assert.Equal(t, "1700000000", parts[2])
	assert.Equal(t, acct.address.Hex(), parts[3])

	_, _, err = signBearer("not-a-key", time.Now())
	assert.ErrorContains(t, err, "invalid private key")
}

func TestTokenCommand(t *testing.T) {
	acct := newAccount(t)
	t.Setenv(KeyEnv, hex.EncodeToString(crypto.FromECDSA(acct.key)))

	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"token"})
	require.NoError(t, cmd.Execute())

	assert.True(t, strings.HasPrefix(out.String(), "Bearer 0x"))
	assert.Contains(t, strings.TrimSpace(out.String()), acct.address.Hex())
	assert.Contains(t, errOut.String(), acct.address.Hex())
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("OWNER", "0x00000000000000000000000000000000000000Aa")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "migrate.db"))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	require.NoError(t, cmd.Execute())

	t.Setenv("DB_DRIVER", "")
	cmd = newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	assert.ErrorContains(t, cmd.Execute(), "no database configured")
}

func TestServeLockBelowRegistryMinimum(t *testing.T) {
	owner, operator, alice := newAccount(t), newAccount(t), newAccount(t)
	ts := setupServer(t, owner.address)

	w := ts.do(http.MethodPost, "/api/v1/pools", &operator, gin.H{"bond": "10"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	address := decodeBody[api.PoolResponse](t, w).Address
	poolPath := "/api/v1/pools/" + address

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/v1/ledger/faucet", &alice, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/v1/ledger/approve", &alice, gin.H{"spender": address, "amount": "10"}).Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, poolPath+"/deposit", &alice, gin.H{"amount": "10"}).Code)

	w = ts.do(http.MethodPost, poolPath+"/lock", &operator, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "BOND_BELOW_REGISTRY_MINIMUM", decodeBody[map[string]string](t, w)["code"])

	w = ts.do(http.MethodGet, poolPath, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeBody[api.PoolResponse](t, w).IsLocked)
}

func TestServeRestartKeepsJournalConsistent(t *testing.T) {
	owner, operator := newAccount(t), newAccount(t)
	cfg := testConfig(t, owner.address)

	first := startServer(t, cfg)
	w := first.do(http.MethodPost, "/api/v1/pools", &operator, gin.H{"bond": "1000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	before := decodeBody[api.PoolResponse](t, w).Address
	first.s.close()

	second := startServer(t, cfg)
	t.Cleanup(second.s.close)
	w = second.do(http.MethodPost, "/api/v1/pools", &operator, gin.H{"bond": "1000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	after := decodeBody[api.PoolResponse](t, w).Address
	assert.NotEqual(t, before, after)

	var pools []api.PoolRecordResponse
	require.Eventually(t, func() bool {
		w := second.do(http.MethodGet, "/api/v1/history/pools?operator="+operator.address.Hex(), nil, nil)
		if w.Code != http.StatusOK {
			return false
		}
		pools = decodeBody[[]api.PoolRecordResponse](t, w)
		return len(pools) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, before, pools[0].Address)
	assert.Equal(t, after, pools[1].Address)
	assert.Equal(t, uint64(0), pools[0].Sequence)
	assert.Equal(t, uint64(1), pools[1].Sequence)

	w = second.do(http.MethodGet, "/api/v1/pools/"+after+"/events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]api.EventResponse](t, w), 1)

	w = second.do(http.MethodGet, "/api/v1/history/pools/"+before, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decodeBody[api.PoolRecordResponse](t, w).EventCount)

	w = second.do(http.MethodGet, "/api/v1/history/events?actor="+operator.address.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody[[]api.EventResponse](t, w)
	require.Len(t, events, 2)
	assert.Equal(t, "pool_deployed", events[0].Type)
}
