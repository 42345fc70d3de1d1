package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/admin"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/alert"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/chaintest"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/chain/evm"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/config"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/store/memory"
)

const (
	testChain = "evm:byzantium:8996:bloxberg"
	testKey   = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
)

type fakeDBStatsProvider struct {
	stats sql.DBStats
}

func (f fakeDBStatsProvider) Stats() sql.DBStats { return f.stats }

type panicDBStatsProvider struct{}

func (panicDBStatsProvider) Stats() sql.DBStats {
	panic("db stats temporarily unavailable")
}

func testGauges(suffix string) dbPoolStatsGauges {
	gauge := func(name string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name + suffix}, []string{"service"})
	}
	return dbPoolStatsGauges{
		open:         gauge("test_db_pool_open"),
		inUse:        gauge("test_db_pool_in_use"),
		idle:         gauge("test_db_pool_idle"),
		waitCount:    gauge("test_db_pool_wait_count"),
		waitDuration: gauge("test_db_pool_wait_duration_seconds"),
	}
}

func TestCollectDBPoolStats_RecordsMetrics(t *testing.T) {
	g := testGauges("")
	err := collectDBPoolStats(fakeDBStatsProvider{stats: sql.DBStats{
		OpenConnections: 10,
		InUse:           3,
		Idle:            7,
		WaitCount:       13,
		WaitDuration:    1500 * time.Millisecond,
	}}, g)
	require.NoError(t, err)

	assert.Equal(t, 10.0, testutil.ToFloat64(g.open.WithLabelValues(serviceName)))
	assert.Equal(t, 3.0, testutil.ToFloat64(g.inUse.WithLabelValues(serviceName)))
	assert.Equal(t, 7.0, testutil.ToFloat64(g.idle.WithLabelValues(serviceName)))
	assert.Equal(t, 13.0, testutil.ToFloat64(g.waitCount.WithLabelValues(serviceName)))
	assert.Equal(t, 1.5, testutil.ToFloat64(g.waitDuration.WithLabelValues(serviceName)))
}

func TestCollectDBPoolStats_ReturnsErrorOnPanic(t *testing.T) {
	err := collectDBPoolStats(panicDBStatsProvider{}, testGauges("_panic"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db pool stats collection panicked")
}

func TestCollectDBPoolStats_NilProvider(t *testing.T) {
	assert.Error(t, collectDBPoolStats(nil, testGauges("_nil")))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestChainRoles(t *testing.T) {
	cfg := &config.Config{Roles: []string{config.RoleWorker, config.RoleSyncer, config.RoleDispatcher}}
	assert.Equal(t, []pipeline.Role{pipeline.RoleDispatcher, pipeline.RoleSyncer}, chainRoles(cfg))

	cfg.Roles = []string{config.RoleAdmin}
	assert.Empty(t, chainRoles(cfg))
}

func TestBuildKeystore_ImportsKeys(t *testing.T) {
	keys, err := buildKeystore(config.KeysConfig{Import: []string{testKey}})
	require.NoError(t, err)

	probe := evm.NewMemoryKeystore()
	address, err := probe.Import(testKey)
	require.NoError(t, err)
	assert.True(t, keys.Has(address))

	_, err = buildKeystore(config.KeysConfig{Import: []string{"zz"}})
	assert.Error(t, err)
}

func TestBuildAlerter(t *testing.T) {
	_, noop := buildAlerter(config.AlertConfig{}, slog.Default()).(*alert.NoopAlerter)
	assert.True(t, noop)

	_, multi := buildAlerter(config.AlertConfig{WebhookURL: "http://alerts.local"}, slog.Default()).(*alert.MultiAlerter)
	assert.True(t, multi)
}

func TestPipelineConfig_CarriesChainSettings(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CHAIN_SPEC", testChain)
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("TRUSTED_ADDRESSES", "0xaa")
	t.Setenv("GIFTER_ADDRESS", "0xBB")
	t.Setenv("SYNC_CONFIRMATIONS", "3")
	cfg, err := config.Load()
	require.NoError(t, err)

	pc := pipelineConfig(cfg, cfg.Chains[0])
	assert.Equal(t, model.Chain(testChain), pc.Chain)
	assert.Equal(t, "0xbb", pc.Wallet.Gifter)
	assert.Equal(t, uint64(3), pc.Sync.Confirmations)
	assert.Equal(t, cfg.Wallet.RefillAmountWei(), pc.Wallet.RefillAmount)
	assert.Equal(t, cfg.Dispatcher.BatchSize, pc.Dispatcher.BatchSize)
}

func newTestPipeline(t *testing.T) (*pipeline.Pipeline, *evm.MemoryKeystore, *chaintest.Connector, string) {
	t.Helper()
	st := memory.New()
	keys := evm.NewMemoryKeystore()
	address, err := keys.Import(testKey)
	require.NoError(t, err)
	conn := chaintest.New(testChain)
	conn.SetGasPrice(big.NewInt(1))

	p := pipeline.New(pipeline.Config{Chain: testChain}, pipeline.Deps{
		Conn:     conn,
		Codec:    evm.NewCodec(big.NewInt(8996), keys),
		Accounts: keys,
		Otx:      st.Otx(),
		Locks:    st.Locks(),
		Nonces:   st.Nonce(),
		Sync:     st.Sync(),
	}, slog.Default())
	return p, keys, conn, address
}

func TestBootstrapTrusted_SyncsNonceFromChain(t *testing.T) {
	p, keys, conn, address := newTestPipeline(t)
	conn.SetPendingNonce(address, 12)

	require.NoError(t, bootstrapTrusted(context.Background(), p, keys, []string{address}, slog.Default()))

	next, err := p.Nonces().Next(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), next)
}

func TestBootstrapTrusted_RejectsUnknownKey(t *testing.T) {
	p, keys, _, _ := newTestPipeline(t)

	err := bootstrapTrusted(context.Background(), p, keys, []string{"0x00000000000000000000000000000000000000cc"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signing key")
}

func TestHealthHandler(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	registry := pipeline.NewRegistry()
	registry.Register(p)

	rec := httptest.NewRecorder()
	healthHandler(registry, slog.Default())(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		OK         bool                      `json:"ok"`
		Components []pipeline.HealthSnapshot `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Len(t, body.Components, len(pipeline.AllRoles))
}

func TestAdminHandler_RequiresToken(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	registry := pipeline.NewRegistry()
	registry.Register(p)
	rl := admin.NewRateLimiter(slog.Default())

	h := adminHandler(config.AdminConfig{Token: "s3cret"}, pipeline.NewOperator(registry), rl, slog.Default())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
