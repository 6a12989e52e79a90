package op

import (
	"context"
	"os"
	"testing"

	"github.com/nickyhof/ForkDB/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	created   int
	outcomes  []RepairOutcome
	finalized []FinalizeReport
}

func (o *recordingObserver) WorldCreated() { o.created++ }

func (o *recordingObserver) RepairAttempted(outcome RepairOutcome) {
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) Finalized(report FinalizeReport) {
	o.finalized = append(o.finalized, report)
}

func TestFinalizeNothingChosen(t *testing.T) {
	store, _ := setupTestStore(t)
	id, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)

	observer := &recordingObserver{}
	report, err := NewCoordinator(store, nil, observer).Finalize("", nil)
	require.NoError(t, err)
	assert.Equal(t, "nothing committed", report.Message)
	assert.Empty(t, report.Committed)
	assert.Len(t, observer.finalized, 1)

	world, err := store.World(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, world.Status, "nothing is rolled back")
}

func TestFinalizeRefusesRejectedWorld(t *testing.T) {
	store, _ := setupTestStore(t)
	id, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)
	before, err := store.ReadBytes(core.MainlineID)
	require.NoError(t, err)

	report, err := NewCoordinator(store, nil, nil).Finalize(id, []string{id})
	require.NoError(t, err)
	require.NotNil(t, report.Selection)
	assert.Equal(t, id, report.Selection.WorldID)
	assert.Empty(t, report.Committed)
	assert.Contains(t, report.Message, "nothing committed")

	after, err := store.ReadBytes(core.MainlineID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFinalizeRefusesUnknownAndInactiveWorlds(t *testing.T) {
	store, _ := setupTestStore(t)
	coordinator := NewCoordinator(store, nil, nil)

	report, err := coordinator.Finalize("world_99", nil)
	require.NoError(t, err)
	assert.NotNil(t, report.Selection)

	id, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(id, "broken"))

	report, err = coordinator.Finalize(id, nil)
	require.NoError(t, err)
	require.NotNil(t, report.Selection)
	assert.Contains(t, report.Selection.Reason, "failed")

	report, err = coordinator.Finalize(core.MainlineID, nil)
	require.NoError(t, err)
	assert.NotNil(t, report.Selection)
}

func TestFinalizeCommitExclusivity(t *testing.T) {
	store, engine := setupTestStore(t)
	ctx := context.Background()

	chosen, err := store.CreateWorld(core.MainlineID, "chosen")
	require.NoError(t, err)
	loser, err := store.CreateWorld(core.MainlineID, "loser")
	require.NoError(t, err)
	failed, err := store.CreateWorld(core.MainlineID, "failed")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(failed, "broken"))

	_, err = engine.Execute(ctx, chosen, "UPDATE t SET v = v * 0.5")
	require.NoError(t, err)
	expected, err := store.ReadBytes(chosen)
	require.NoError(t, err)

	loserPath, err := store.Path(loser)
	require.NoError(t, err)
	failedPath, err := store.Path(failed)
	require.NoError(t, err)

	observer := &recordingObserver{}
	report, err := NewCoordinator(store, nil, observer).Finalize(chosen, []string{failed})
	require.NoError(t, err)
	assert.Equal(t, chosen, report.Committed)
	assert.ElementsMatch(t, []string{loser, failed}, report.RolledBack)
	assert.Nil(t, report.Selection)

	committed := 0
	for _, world := range store.Worlds() {
		switch world.ID {
		case core.MainlineID:
			assert.Equal(t, core.StatusMainline, world.Status)
		case chosen:
			assert.Equal(t, core.StatusCommitted, world.Status)
			committed++
		default:
			assert.Equal(t, core.StatusRolledBack, world.Status)
		}
	}
	assert.Equal(t, 1, committed)

	mainline, err := store.ReadBytes(core.MainlineID)
	require.NoError(t, err)
	assert.Equal(t, expected, mainline)
	assert.Equal(t, int64(75), rowCount(t, engine, core.MainlineID, "SELECT SUM(v) FROM t"))

	assert.NoFileExists(t, loserPath)
	assert.NoFileExists(t, failedPath)
	require.Len(t, observer.finalized, 1)
}

func TestFinalizeToleratesMissingStorage(t *testing.T) {
	store, _ := setupTestStore(t)
	chosen, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)
	other, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)

	path, err := store.Path(other)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	report, err := NewCoordinator(store, nil, nil).Finalize(chosen, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{other}, report.RolledBack)
}
