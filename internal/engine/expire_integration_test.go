package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expectline/internal/domain"
	"expectline/internal/engine"
	"expectline/internal/repo"
)

func singleAsset(env *testEnv, t *testing.T, agents ...string) []domain.Expectation {
	return env.build(t, engine.BuildRequest{
		InjectID:       "inj-1",
		Type:           domain.TypeDetection,
		ExpirationTime: 60,
		AssetGroups: []engine.AssetGroupTarget{{
			AssetGroupID: "G",
			Assets:       []engine.AssetTarget{{AssetID: "A", AgentIDs: agents}},
		}},
	})
}

func (env *testEnv) at(d time.Duration) {
	env.Engine.Now = func() time.Time { return t0.Add(d) }
}

func TestSweepExpiresOverdueAgents(t *testing.T) {
	env := newTestEnv(t)
	recs := singleAsset(env, t, "x", "y")
	x, y, a := agentOf(recs, t, "x"), agentOf(recs, t, "y"), assetOf(recs, t, "A")

	env.at(30 * time.Minute)
	report, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Zero(t, report.Expired)

	env.at(61 * time.Minute)
	report, err = env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Zero(t, report.Failed)

	got := env.get(t, x.ID)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "expiration-sweeper", got.Results[0].SourceID)
	assert.Equal(t, "Expired", got.Results[0].Result)
	assert.Equal(t, score(0), got.Score)
	assert.Equal(t, score(0), env.get(t, y.ID).Score)
	assert.Equal(t, score(0), env.get(t, a.ID).Score)
	assert.Equal(t, score(0), env.get(t, groupOf(recs, t, "G").ID).Score)

	report, err = env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned, "expired records are not swept twice")
}

func TestSweepSkipsRecordsWithResults(t *testing.T) {
	env := newTestEnv(t)
	recs := singleAsset(env, t, "x", "y")
	x, y := agentOf(recs, t, "x"), agentOf(recs, t, "y")
	env.observe(t, x.ID, "edr", 100)

	env.at(2 * time.Hour)
	report, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, score(100), env.get(t, x.ID).Score)
	assert.Equal(t, score(0), env.get(t, y.ID).Score)
}

func TestSweepBySource(t *testing.T) {
	env := newTestEnv(t)
	recs := singleAsset(env, t, "x")
	x := agentOf(recs, t, "x")
	env.observe(t, x.ID, "siem", 10)

	env.at(2 * time.Hour)
	report, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection, SourceID: "edr"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	got := env.get(t, x.ID)
	assert.Len(t, got.Results, 2)
}

func TestSweepHonoursSignatures(t *testing.T) {
	env := newTestEnv(t)
	recs := singleAsset(env, t, "x", "y")
	x, y := agentOf(recs, t, "x"), agentOf(recs, t, "y")

	_, err := env.Engine.RecordSignature(env.Ctx, domain.Signature{InjectID: "inj-1", AgentID: "x", Kind: domain.SignatureStart, At: "2024-01-01T03:00:00Z"})
	require.NoError(t, err)
	_, err = env.Engine.RecordSignature(env.Ctx, domain.Signature{InjectID: "inj-1", AgentID: "y", Kind: domain.SignatureEnd, At: "2024-01-01T00:05:00Z"})
	require.NoError(t, err)

	env.at(10 * time.Minute)
	report, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, score(0), env.get(t, y.ID).Score, "end signature forces expiration")

	env.at(2 * time.Hour)
	_, err = env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Nil(t, env.get(t, x.ID).Score, "not eligible before its start signature")

	env.at(4 * time.Hour)
	_, err = env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Equal(t, score(0), env.get(t, x.ID).Score)
}

func TestSweepCutoffAppliesWithoutRecordExpiration(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Expiration.Minutes = map[string]int{}
	recs := env.build(t, engine.BuildRequest{
		InjectID: "inj-1",
		Type:     domain.TypePrevention,
		Assets:   []engine.AssetTarget{{AssetID: "A", AgentIDs: []string{"x"}}},
	})
	require.Zero(t, recs[0].ExpirationTime)

	env.at(20 * time.Minute)
	report, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypePrevention, CutoffMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}

func TestSweepRejectsHumanTypes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeText})
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSweepContinuesPastFailingRecord(t *testing.T) {
	env := newTestEnv(t)
	recs := env.build(t, engine.BuildRequest{
		InjectID:       "inj-1",
		Type:           domain.TypeDetection,
		ExpirationTime: 60,
		AssetGroups: []engine.AssetGroupTarget{{
			AssetGroupID: "G",
			Assets: []engine.AssetTarget{
				{AssetID: "A", AgentIDs: []string{"x"}},
				{AssetID: "B", AgentIDs: []string{"z"}},
			},
		}},
	})
	x, z := agentOf(recs, t, "x"), agentOf(recs, t, "z")
	_, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM expectations WHERE id=?`, assetOf(recs, t, "B").ID)
	require.NoError(t, err)

	env.at(61 * time.Minute)
	report, err := env.Engine.SweepExpired(env.Ctx, engine.SweepOptions{Type: domain.TypeDetection})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, score(0), env.get(t, x.ID).Score)
	assert.Equal(t, score(0), env.get(t, assetOf(recs, t, "A").ID).Score)
	assert.Equal(t, score(0), env.get(t, groupOf(recs, t, "G").ID).Score)
	assert.Empty(t, env.get(t, z.ID).Results, "failed pass leaves nothing behind")

	pending, err := env.Engine.Repo.FindExpirable(env.Ctx, repo.ExpirableFilters{
		Type:            domain.TypeDetection,
		SweeperSourceID: "expiration-sweeper",
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, z.ID, pending[0].ID)
}
