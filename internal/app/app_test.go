package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calconnect-go/internal/config"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/provider/providertest"
	"calconnect-go/internal/storage"
)

const (
	testJWTSecret = "test-secret-that-is-long-enough-for-hs256"
	testBaseURL   = "https://library.example.com"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTPPort:       0,
		MetricsPort:    0,
		LogLevel:       "debug",
		LogFormat:      "text",
		NumWorkers:     1,
		EncryptionKey:  "0123456789abcdef0123456789abcdef",
		AuditRetention: 24 * time.Hour,
		Database: config.DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             ":memory:",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: time.Minute,
		},
		Auth: config.AuthConfig{JWTSecret: testJWTSecret},
		App: config.AppConfig{
			BaseURL:      testBaseURL,
			SettingsPath: "/settings/integrations",
		},
		State:    config.StateConfig{Backend: "memory", TTL: 10 * time.Minute},
		Provider: config.ProviderConfig{Timeout: time.Second, MaxAttempts: 1},
		Google: config.OAuthClient{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURL:  testBaseURL + "/oauth/google/callback",
		},
	}
}

type testApp struct {
	*Application
	fake *providertest.Fake
	logs *test.Hook
}

func newTestApp(t *testing.T, mutate ...func(*config.Config)) *testApp {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fake := providertest.New()

	app, err := New(context.Background(), cfg, logger, WithRegistry(provider.NewRegistry(fake)))
	require.NoError(t, err)
	app.WorkerPool.Start()
	t.Cleanup(func() { app.Stop(context.Background()) })

	return &testApp{Application: app, fake: fake, logs: hook}
}

func TestNewApplication(t *testing.T) {
	app := newTestApp(t)

	// Assert: Check that all components are initialized
	assert.NotNil(t, app.Config, "Config should be initialized")
	assert.NotNil(t, app.Logger, "Logger should be initialized")
	assert.NotNil(t, app.Store, "Store should be initialized")
	assert.NotNil(t, app.WorkerPool, "WorkerPool should be initialized")
	assert.NotNil(t, app.Connections, "Connection manager should be initialized")
	assert.NotNil(t, app.Tokens, "Token refresh service should be initialized")
	assert.NotNil(t, app.Events, "Orchestrator should be initialized")
	assert.NotNil(t, app.HttpServer, "HttpServer should be initialized")
	assert.Nil(t, app.MetricsServer, "metrics port 0 disables the metrics server")
	assert.Nil(t, app.Redis, "memory state backend needs no redis client")
	assert.Equal(t, []provider.Name{provider.Google}, app.Providers.Names())
}

func TestNewApplication_ConfiguredProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Microsoft = config.MicrosoftClient{
		OAuthClient: config.OAuthClient{
			ClientID:     "ms",
			ClientSecret: "ms-secret",
			RedirectURL:  testBaseURL + "/oauth/microsoft/callback",
		},
		Tenant: "common",
	}

	logger, _ := test.NewNullLogger()
	app, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer app.Stop(context.Background())

	assert.Equal(t, []provider.Name{provider.Google, provider.Microsoft}, app.Providers.Names())
}

func TestNewApplication_BadDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "mysql"

	logger, _ := test.NewNullLogger()
	_, err := New(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestStart_RunsMaintenance(t *testing.T) {
	app := newTestApp(t, func(c *config.Config) { c.ReencryptLegacyOnStart = true })
	ctx := context.Background()

	legacy := &storage.Connection{
		UserID:         "user-legacy",
		Provider:       string(provider.Google),
		AccessToken:    "plain-access",
		RefreshToken:   sql.NullString{String: "plain-refresh", Valid: true},
		TokenExpiresAt: time.Now().Add(time.Hour),
		CalendarID:     "primary",
	}
	require.NoError(t, app.Store.UpsertConnection(ctx, legacy))

	before, err := app.Store.GetMetrics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, before.LegacyPlaintext)

	require.NoError(t, app.Start(ctx))

	after, err := app.Store.GetMetrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, after.LegacyPlaintext)
	assert.EqualValues(t, 1, after.ConnectionsByProvider["google"])

	conn, err := app.Store.GetConnection(ctx, "user-legacy", "google")
	require.NoError(t, err)
	assert.NotEqual(t, "plain-access", conn.AccessToken)
	assert.True(t, conn.AccessTokenIV.Valid)
}

func TestStart_WarnsAboutLegacyRows(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.Store.UpsertConnection(ctx, &storage.Connection{
		UserID:         "user-legacy",
		Provider:       string(provider.Google),
		AccessToken:    "plain-access",
		TokenExpiresAt: time.Now().Add(time.Hour),
		CalendarID:     "primary",
	}))

	require.NoError(t, app.Start(ctx))

	var warned bool
	for _, e := range app.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["count"] == int64(1) {
			warned = true
		}
	}
	assert.True(t, warned, "legacy rows should be reported at start-up")
}
