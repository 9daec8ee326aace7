package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/testutils"
)

var stepNames = []string{"propose", "construct", "execute", "evaluate", "feedback"}

func checkpoint(iteration, step int) Checkpoint {
	return Checkpoint{
		SessionID:        "sess1",
		Iteration:        iteration,
		Step:             step,
		StepName:         stepNames[step],
		State:            "Proposing",
		KnowledgeVersion: uint64(iteration),
		Payload:          json.RawMessage(`{"iteration":` + string(rune('0'+iteration)) + `}`),
	}
}

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Latest(ctx, "sess1")
	assert.True(t, errors.Is(err, apperrors.ErrCheckpointNotFound))

	for iteration := 0; iteration < 2; iteration++ {
		for step := range stepNames {
			require.NoError(t, store.Save(ctx, checkpoint(iteration, step)))
		}
	}
	require.NoError(t, store.Save(ctx, checkpoint(2, 0)))
	require.NoError(t, store.Save(ctx, Checkpoint{SessionID: "sess2", StepName: "propose"}))

	latest, err := store.Latest(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Iteration)
	assert.Equal(t, 0, latest.Step)
	assert.Equal(t, "propose", latest.StepName)
	assert.Equal(t, CheckpointVersion, latest.Version)
	assert.JSONEq(t, `{"iteration":2}`, string(latest.Payload))
	assert.False(t, latest.SavedAt.IsZero())

	cp, err := store.Load(ctx, "sess1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "evaluate", cp.StepName)

	_, err = store.Load(ctx, "sess1", 9, 0)
	assert.True(t, errors.Is(err, apperrors.ErrCheckpointNotFound))

	all, err := store.List(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, all, 11)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Before(all[i]), "ordered at %d", i)
	}

	// rewriting a step replaces it
	again := checkpoint(2, 0)
	again.State = "Stopped"
	require.NoError(t, store.Save(ctx, again))
	latest, err = store.Latest(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "Stopped", latest.State)
	all, err = store.List(ctx, "sess1")
	require.NoError(t, err)
	assert.Len(t, all, 11)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess1", "sess2"}, sessions)

	assert.Error(t, store.Save(ctx, Checkpoint{StepName: "propose"}))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	testStore(t, NewFileStore(dir))

	assert.FileExists(t, filepath.Join(dir, "sess1", "__session__", "1", "4_feedback.json"))
	matches, err := filepath.Glob(filepath.Join(dir, "sess1", "__session__", "*", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStoreCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Save(context.Background(), checkpoint(0, 0)))

	path := filepath.Join(dir, "sess1", "__session__", "0", "0_propose.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := store.Latest(context.Background(), "sess1")
	assert.Equal(t, apperrors.ErrCodeCheckpointCorrupt, apperrors.CodeOf(err))
}

func TestFileStoreRenamedStep(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	iterDir := filepath.Join(dir, "sess1", "__session__", "0")

	require.NoError(t, store.Save(ctx, checkpoint(0, 1)))
	renamed := checkpoint(0, 1)
	renamed.StepName = "rebuild"
	require.NoError(t, store.Save(ctx, renamed))

	assert.NoFileExists(t, filepath.Join(iterDir, "1_construct.json"))
	assert.FileExists(t, filepath.Join(iterDir, "1_rebuild.json"))

	// a crash between commit and cleanup leaves both; the newer one wins
	stale := filepath.Join(iterDir, "1_construct.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{"session_id":"sess1","iteration":0,"step":1,"step_name":"construct"}`), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	cp, err := store.Load(ctx, "sess1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "rebuild", cp.StepName)

	all, err := store.List(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "rebuild", all[0].StepName)

	latest, err := store.Latest(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "rebuild", latest.StepName)
}

func TestBadgerStore(t *testing.T) {
	suite := testutils.NewTestSuite(t, &testutils.TestConfig{UseBadger: true})
	testStore(t, NewBadgerStore(suite.Badger))
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	m := NewManager(store)

	var seen []string
	m.AddCallback(func(cp Checkpoint) { seen = append(seen, cp.String()) })

	require.NoError(t, m.Save(ctx, checkpoint(0, 0)))
	require.NoError(t, m.Save(ctx, checkpoint(0, 1)))
	assert.Equal(t, []string{"sess1@0/0_propose", "sess1@0/1_construct"}, seen)

	latest, err := m.Latest(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Step)

	// a fresh manager reads through to the store
	fresh := NewManager(store)
	latest, err = fresh.Latest(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Step)

	assert.Error(t, m.Save(ctx, Checkpoint{}))
	assert.Len(t, seen, 2)
}
