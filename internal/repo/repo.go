package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"expectline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-write loses against a concurrent writer.
	ErrConflict = errors.New("expectation modified concurrently")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const expectationColumns = `id,inject_id,type,name,description,expected_score,score,is_group,expiration_time,agent_id,asset_id,asset_group_id,user_id,team_id,results_json,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpectation(row rowScanner) (domain.Expectation, error) {
	var e domain.Expectation
	var name, description, agentID, assetID, groupID, userID, teamID sql.NullString
	var score sql.NullFloat64
	var isGroup int
	var resultsJSON string
	err := row.Scan(&e.ID, &e.InjectID, &e.Type, &name, &description, &e.ExpectedScore, &score, &isGroup, &e.ExpirationTime,
		&agentID, &assetID, &groupID, &userID, &teamID, &resultsJSON, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Name = name.String
	e.Description = description.String
	if score.Valid {
		s := score.Float64
		e.Score = &s
	}
	e.IsGroup = isGroup != 0
	e.AgentID = stringPtr(agentID)
	e.AssetID = stringPtr(assetID)
	e.AssetGroupID = stringPtr(groupID)
	e.UserID = stringPtr(userID)
	e.TeamID = stringPtr(teamID)
	e.Results = []domain.Result{}
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &e.Results); err != nil {
			return e, fmt.Errorf("decode results of expectation %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r Repo) InsertExpectationTx(ctx context.Context, tx *sql.Tx, e domain.Expectation) error {
	results, err := marshalResults(e.Results)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO expectations(`+expectationColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.InjectID, string(e.Type), nullable(e.Name), nullable(e.Description), e.ExpectedScore, nullableFloatPtr(e.Score),
		boolInt(e.IsGroup), e.ExpirationTime, nullableStringPtr(e.AgentID), nullableStringPtr(e.AssetID), nullableStringPtr(e.AssetGroupID),
		nullableStringPtr(e.UserID), nullableStringPtr(e.TeamID), results, e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetExpectation(ctx context.Context, id string) (domain.Expectation, error) {
	return getExpectation(ctx, r.DB, id)
}

func (r Repo) GetExpectationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Expectation, error) {
	return getExpectation(ctx, tx, id)
}

func getExpectation(ctx context.Context, q querier, id string) (domain.Expectation, error) {
	return scanExpectation(q.QueryRowContext(ctx, `SELECT `+expectationColumns+` FROM expectations WHERE id=?`, id))
}

// UpdateExpectationTx writes score and results of e if its stored version still
// matches e.Version. On success e.Version is advanced.
func (r Repo) UpdateExpectationTx(ctx context.Context, tx *sql.Tx, e *domain.Expectation) error {
	results, err := marshalResults(e.Results)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE expectations SET score=?, results_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		nullableFloatPtr(e.Score), results, e.UpdatedAt, e.ID, e.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM expectations WHERE id=?`, e.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("expectation %s: %w", e.ID, ErrConflict)
	}
	e.Version++
	return nil
}

func (r Repo) DeleteInjectExpectationsTx(ctx context.Context, tx *sql.Tx, injectID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM signatures WHERE inject_id=?`, injectID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM expectations WHERE inject_id=?`, injectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AgentSiblingsTx returns agent-level records under the (inject, type, asset, group) tuple.
func (r Repo) AgentSiblingsTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, assetID string, groupID *string) ([]domain.Expectation, error) {
	return selectExpectations(ctx, tx, `inject_id=? AND type=? AND agent_id IS NOT NULL AND asset_id=? AND asset_group_id IS ?`,
		injectID, string(typ), assetID, nullableStringPtr(groupID))
}

// AssetRecordTx returns the asset-level record of the (inject, type, asset, group) tuple.
func (r Repo) AssetRecordTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, assetID string, groupID *string) (domain.Expectation, error) {
	return selectOne(ctx, tx, `inject_id=? AND type=? AND agent_id IS NULL AND asset_id=? AND asset_group_id IS ?`,
		injectID, string(typ), assetID, nullableStringPtr(groupID))
}

// CountAgentsTx counts agent-level records that roll up into an asset-level record.
func (r Repo) CountAgentsTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, assetID string, groupID *string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM expectations WHERE inject_id=? AND type=? AND agent_id IS NOT NULL AND asset_id=? AND asset_group_id IS ?`,
		injectID, string(typ), assetID, nullableStringPtr(groupID)).Scan(&n)
	return n, err
}

// AssetSiblingsTx returns asset-level records linked to an asset group.
func (r Repo) AssetSiblingsTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, groupID string) ([]domain.Expectation, error) {
	return selectExpectations(ctx, tx, `inject_id=? AND type=? AND agent_id IS NULL AND asset_id IS NOT NULL AND asset_group_id=?`,
		injectID, string(typ), groupID)
}

func (r Repo) AssetGroupRecordTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, groupID string) (domain.Expectation, error) {
	return selectOne(ctx, tx, `inject_id=? AND type=? AND agent_id IS NULL AND asset_id IS NULL AND asset_group_id=?`,
		injectID, string(typ), groupID)
}

func (r Repo) PlayerSiblingsTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, teamID string) ([]domain.Expectation, error) {
	return selectExpectations(ctx, tx, `inject_id=? AND type=? AND user_id IS NOT NULL AND team_id=?`,
		injectID, string(typ), teamID)
}

func (r Repo) TeamRecordTx(ctx context.Context, tx *sql.Tx, injectID string, typ domain.ExpectationType, teamID string) (domain.Expectation, error) {
	return selectOne(ctx, tx, `inject_id=? AND type=? AND user_id IS NULL AND team_id=?`,
		injectID, string(typ), teamID)
}

func selectExpectations(ctx context.Context, q querier, where string, args ...any) ([]domain.Expectation, error) {
	return queryExpectations(ctx, q, `SELECT `+expectationColumns+` FROM expectations WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
}

func queryExpectations(ctx context.Context, q querier, query string, args ...any) ([]domain.Expectation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expectation
	for rows.Next() {
		e, err := scanExpectation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func selectOne(ctx context.Context, q querier, where string, args ...any) (domain.Expectation, error) {
	items, err := selectExpectations(ctx, q, where, args...)
	if err != nil {
		return domain.Expectation{}, err
	}
	if len(items) == 0 {
		return domain.Expectation{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Expectation{}, fmt.Errorf("expected one expectation for %s, found %d", where, len(items))
	}
	return items[0], nil
}

type ExpectationFilters struct {
	InjectID        string
	Type            string
	AgentID         string
	AssetID         string
	AssetGroupID    string
	UserID          string
	TeamID          string
	Resolved        *bool
	CreatedBefore   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListExpectations(ctx context.Context, f ExpectationFilters) ([]domain.Expectation, error) {
	clauses := []string{"1=1"}
	var args []any
	eq := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	eq("inject_id", f.InjectID)
	eq("type", f.Type)
	eq("agent_id", f.AgentID)
	eq("asset_id", f.AssetID)
	eq("asset_group_id", f.AssetGroupID)
	eq("user_id", f.UserID)
	eq("team_id", f.TeamID)
	if f.Resolved != nil {
		if *f.Resolved {
			clauses = append(clauses, "score IS NOT NULL")
		} else {
			clauses = append(clauses, "score IS NULL")
		}
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.CreatedBefore)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + expectationColumns + ` FROM expectations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryExpectations(ctx, r.DB, query, args...)
}

type ExpirableFilters struct {
	Type domain.ExpectationType
	// SweeperSourceID excludes records the sweeper already resolved.
	SweeperSourceID string
	// SourceID, when set, selects records lacking a result from that source;
	// otherwise records with no result at all.
	SourceID      string
	CreatedBefore string
	Limit         int
}

// FindExpirable returns agent-level technical records still waiting on a result.
func (r Repo) FindExpirable(ctx context.Context, f ExpirableFilters) ([]domain.Expectation, error) {
	clauses := []string{"type=?", "agent_id IS NOT NULL", "asset_id IS NOT NULL"}
	args := []any{string(f.Type)}
	if f.SweeperSourceID != "" {
		clauses = append(clauses, `NOT EXISTS (SELECT 1 FROM json_each(expectations.results_json) j WHERE json_extract(j.value,'$.source_id')=?)`)
		args = append(args, f.SweeperSourceID)
	}
	if f.SourceID != "" {
		clauses = append(clauses, `NOT EXISTS (SELECT 1 FROM json_each(expectations.results_json) j WHERE json_extract(j.value,'$.source_id')=?)`)
		args = append(args, f.SourceID)
	} else {
		clauses = append(clauses, "json_array_length(results_json)=0")
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.CreatedBefore)
	}
	query := `SELECT ` + expectationColumns + ` FROM expectations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryExpectations(ctx, r.DB, query, args...)
}

func marshalResults(results []domain.Result) (string, error) {
	if results == nil {
		results = []domain.Result{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(b), nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
