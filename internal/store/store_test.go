package store

import (
	"context"
	"os"
	"testing"
	"time"

	"territory-api/internal/migrate"
	"territory-api/internal/model"
	"territory-api/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONList(t *testing.T) {
	assert.Equal(t, `[]`, string(JSONList(nil)))
	assert.Equal(t, `["Rua A","Rua B"]`, string(JSONList([]string{"Rua A", "Rua B"})))
}

func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TERRITORY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TERRITORY_TEST_PG_DSN not set")
	}
	db, err := utils.OpenPostgres(dsn, 2, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrate.EnsureSchema(db))
	return Attach(db)
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	id := uuid.NewString()
	started := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RecordRun(ctx, Run{ID: id, Community: "Alfama", State: "detecting_buildings", StartedAt: started}))
	done := started.Add(time.Minute)
	require.NoError(t, s.RecordRun(ctx, Run{
		ID: id, Community: "Alfama", State: "ready", Buildings: 42, Synthesized: 6,
		Streets: JSONList([]string{"Rua A"}), StartedAt: started, FinishedAt: &done,
	}))

	got, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ready", got.State)
	assert.Equal(t, 42, got.Buildings)
	assert.JSONEq(t, `["Rua A"]`, string(got.Streets))

	runs, err := s.RecentRuns(ctx, "Alfama", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)

	draftID, err := s.RecordDraft(ctx, id, model.TerritoryDraft{Name: "Alfama 1", ZoneType: "residential"}, "t-1")
	require.NoError(t, err)
	assert.Positive(t, draftID)
}
