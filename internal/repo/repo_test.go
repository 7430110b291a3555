package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expectline/internal/db"
	"expectline/internal/domain"
	"expectline/internal/migrate"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func ptr(s string) *string { return &s }

func agentRecord(id, agent string, results ...domain.Result) domain.Expectation {
	return domain.Expectation{
		ID: id, InjectID: "inj", Type: domain.TypeDetection, ExpectedScore: 100,
		AgentID: ptr(agent), AssetID: ptr("A"), AssetGroupID: ptr("G"),
		Results: results, Version: 1, CreatedAt: ts, UpdatedAt: ts,
	}
}

func insert(t *testing.T, r Repo, recs ...domain.Expectation) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, r.InsertExpectationTx(ctx, tx, rec))
	}
	require.NoError(t, tx.Commit())
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestUpdateExpectationComparesVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insert(t, r, agentRecord("e1", "x"))

	stale, err := r.GetExpectation(ctx, "e1")
	require.NoError(t, err)
	fresh := stale
	score := 100.0
	fresh.Score = &score
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.UpdateExpectationTx(ctx, tx, &fresh) }))
	assert.EqualValues(t, 2, fresh.Version)

	err = inTx(t, r, func(tx *sql.Tx) error { return r.UpdateExpectationTx(ctx, tx, &stale) })
	assert.True(t, errors.Is(err, ErrConflict))

	missing := agentRecord("nope", "z")
	err = inTx(t, r, func(tx *sql.Tx) error { return r.UpdateExpectationTx(ctx, tx, &missing) })
	assert.True(t, errors.Is(err, ErrNotFound))

	got, err := r.GetExpectation(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 100.0, *got.Score)
}

func TestFindExpirableFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insert(t, r,
		agentRecord("bare", "a"),
		agentRecord("edr", "b", domain.Result{SourceID: "edr", Score: 100}),
		agentRecord("swept", "c", domain.Result{SourceID: "expiration-sweeper", Score: 0}),
	)

	ids := func(items []domain.Expectation) []string {
		var out []string
		for _, e := range items {
			out = append(out, e.ID)
		}
		return out
	}

	got, err := r.FindExpirable(ctx, ExpirableFilters{Type: domain.TypeDetection, SweeperSourceID: "expiration-sweeper"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bare"}, ids(got))

	got, err = r.FindExpirable(ctx, ExpirableFilters{Type: domain.TypeDetection, SweeperSourceID: "expiration-sweeper", SourceID: "siem"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bare", "edr"}, ids(got))

	got, err = r.FindExpirable(ctx, ExpirableFilters{Type: domain.TypePrevention})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSignatureWindowKeepsLatestPerKind(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, s := range []domain.Signature{
		{InjectID: "inj", AgentID: "x", Kind: domain.SignatureStart, At: "2024-01-01T00:00:00Z"},
		{InjectID: "inj", AgentID: "x", Kind: domain.SignatureStart, At: "2024-01-01T00:05:00Z"},
		{InjectID: "inj", AgentID: "x", Kind: domain.SignatureEnd, At: "2024-01-01T00:10:00Z"},
	} {
		require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.UpsertSignatureTx(ctx, tx, s) }))
	}

	w, err := r.GetSignatureWindow(ctx, "inj", "x")
	require.NoError(t, err)
	assert.Equal(t, SignatureWindow{Start: "2024-01-01T00:05:00Z", End: "2024-01-01T00:10:00Z"}, w)

	sigs, err := r.ListSignatures(ctx, "inj")
	require.NoError(t, err)
	assert.Len(t, sigs, 2)
}

func TestDuplicateTargetIsRejected(t *testing.T) {
	r := newTestRepo(t)
	insert(t, r, agentRecord("e1", "x"))
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertExpectationTx(context.Background(), tx, agentRecord("e2", "x"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")
}
