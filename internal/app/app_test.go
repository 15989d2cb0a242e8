package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/config"
	"github.com/JakeFAU/runprogress/internal/coordinator"
	"github.com/JakeFAU/runprogress/internal/runstate"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Run.Unit = "spin"
	cfg.Run.SpinIterations = 10
	cfg.Run.SampleInterval = 5 * time.Millisecond
	cfg.Progress.Batch.MaxWaitMs = 5
	cfg.Progress.LogEnabled = false
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildServesFullRun(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/run", nil))
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, rec.Code)

	require.Eventually(t, func() bool {
		snap := a.Coordinator().CurrentProgress()
		return snap.Phase == runstate.PhaseDone && snap.Current == 100
	}, 5*time.Second, 5*time.Millisecond)

	// History and reports arrive asynchronously through the event hub.
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?status=success", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Runs []struct {
				Current int64 `json:"current"`
			} `json:"runs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return len(body.Runs) == 1 && body.Runs[0].Current == 100
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var found bool
		_ = filepath.WalkDir(cfg.Storage.LocalDir, func(path string, d os.DirEntry, err error) error {
			if err == nil && !d.IsDir() && strings.HasSuffix(path, ".json") {
				found = true
			}
			return nil
		})
		return found
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "runprogress_runs_started_total 1")
}

func TestBuildWithCallbacks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Source = string(coordinator.SourceCallback)
	cfg.Run.Execution = string(coordinator.ExecutionSync)
	cfg.Storage.Backend = config.StorageNone
	cfg.Progress.Enabled = false

	var seen []int64
	completed := 0
	a, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithCallbacks(coordinator.Callbacks{
			OnProgress: func(current, _ int64) { seen = append(seen, current) },
			OnComplete: func() { completed++ },
		}),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	snap, err := a.Coordinator().StartRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, runstate.PhaseDone, snap.Phase)
	require.Equal(t, 1, completed)
	require.NotEmpty(t, seen)
	require.Equal(t, int64(100), seen[len(seen)-1])
	require.IsNonDecreasing(t, seen)
}

func TestBuildRejectsBadDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.DSN = "::not a dsn::"

	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.ErrorContains(t, err, "run store init failed")
}

func TestCloseCancelsActiveRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Unit = "delay"
	cfg.Run.UnitDelay = time.Hour
	cfg.Storage.Backend = config.StorageMemory

	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	_, err = a.Coordinator().StartRun(context.Background())
	require.NoError(t, err)
	require.True(t, a.Coordinator().CurrentProgress().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	require.Equal(t, runstate.PhaseCanceled, a.Coordinator().CurrentProgress().Phase)
}
