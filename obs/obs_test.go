package obs

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/op"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := NewLogger("debug", format)
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(-1), "debug enabled")
	}

	logger, err := NewLogger("WARN", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(0), "info disabled at warn")

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}

func TestMetricsObserveEvents(t *testing.T) {
	m := NewMetrics()

	m.StatementExecuted(core.QueryKind, true, time.Millisecond)
	m.StatementExecuted(core.QueryKind, false, time.Millisecond)
	m.StatementExecuted(core.MutationKind, true, time.Millisecond)
	m.WorldCreated()
	m.WorldCreated()
	m.RepairAttempted(op.RepairReplaced)
	m.RepairAttempted(op.RepairExhausted)
	m.Finalized(op.FinalizeReport{Committed: "world_1", RolledBack: []string{"world_2", "world_3"}})
	m.Finalized(op.FinalizeReport{Selection: &core.SelectionError{WorldID: "world_2"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.statementsTotal.WithLabelValues("query", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statementsTotal.WithLabelValues("query", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.worldsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repairsTotal.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rollbacksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.selectionsRefused))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.WorldCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "forkdb_worlds_created_total 1")
}
