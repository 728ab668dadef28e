package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/surveyengine/internal/config"
	"github.com/soaringjerry/surveyengine/internal/memstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SURVEY_STORE", "memory")
	t.Setenv("SURVEY_JWT_SECRET", "test-secret")
	t.Setenv("SURVEY_COMMIT", "abc123")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSeedDefinitionsOnlyAddsMissing(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	n, err := seedDefinitions(ctx, mem, "../../definitions", quiet())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = seedDefinitions(ctx, mem, "../../definitions", quiet())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = seedDefinitions(ctx, mem, filepath.Join(t.TempDir(), "absent"), quiet())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerServesVersionAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	store, closer, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closer.Close()

	h, err := newHandler(cfg, store, quiet())
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var v map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "abc123", v["commit"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, _ := io.ReadAll(mresp.Body)
	assert.Contains(t, string(body), "survey_tokens_issued_total")
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreSQLite
	cfg.DBPath = filepath.Join(t.TempDir(), "s.db")
	store, closer, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closer.Close()
	n, err := seedDefinitions(context.Background(), store, "../../definitions", quiet())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandlerRejectsBadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegrowPolicy = "sometimes"
	_, err := newHandler(cfg, memstore.New(), quiet())
	assert.Error(t, err)
}
