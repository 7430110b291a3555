package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"expectline/internal/config"
	"expectline/internal/domain"
	"expectline/internal/events"
	"expectline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Publisher: events.NopPublisher{},
		Config:    cfg,
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) publisher() events.Publisher {
	if e.Publisher != nil {
		return e.Publisher
	}
	return events.NopPublisher{}
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx; events record it.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Observation is one source's report for a technical expectation.
type Observation struct {
	SourceID       string  `json:"source_id"`
	SourceType     string  `json:"source_type,omitempty"`
	SourceName     string  `json:"source_name,omitempty"`
	SourcePlatform string  `json:"source_platform,omitempty"`
	Score          float64 `json:"score"`
	Result         string  `json:"result,omitempty"`
}

func (o Observation) toResult(rec domain.Expectation, now time.Time) domain.Result {
	label := o.Result
	if label == "" {
		score := o.Score
		label = ResultLabel(rec.Type, &score, rec.ExpectedScore)
	}
	name := o.SourceName
	if name == "" {
		name = o.SourceID
	}
	return domain.Result{
		SourceID:       o.SourceID,
		SourceType:     o.SourceType,
		SourceName:     name,
		SourcePlatform: o.SourcePlatform,
		Score:          o.Score,
		Result:         label,
		Date:           now.UTC().Format(time.RFC3339),
	}
}

func validScore(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// guardTechnicalWrite rejects writes that would bypass aggregation: anything at
// asset group level, and asset records that have agents.
func (e Engine) guardTechnicalWrite(ctx context.Context, tx *sql.Tx, rec domain.Expectation, role Role) error {
	switch role {
	case RoleAgent:
		return nil
	case RoleAsset:
		n, err := e.Repo.CountAgentsTx(ctx, tx, rec.InjectID, rec.Type, *rec.AssetID, rec.AssetGroupID)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	case RolePlayer, RoleTeam:
		return ValidationError{ExpectationID: rec.ID, Role: role, Reason: "technical observations cannot target players or teams"}
	}
	return ValidationError{ExpectationID: rec.ID, Role: role, Reason: reasonNotPermitted}
}

// RecordTechnicalObservation merges one source's result into a technical leaf
// and propagates it to the asset and asset group.
func (e Engine) RecordTechnicalObservation(ctx context.Context, expectationID string, obs Observation) (domain.Expectation, error) {
	if obs.SourceID == "" {
		return domain.Expectation{}, ValidationError{ExpectationID: expectationID, Reason: "source id is required"}
	}
	if !validScore(obs.Score) {
		return domain.Expectation{}, ValidationError{ExpectationID: expectationID, Reason: "score must be a non-negative number"}
	}
	var out domain.Expectation
	err := e.inPass(ctx, func(tx *sql.Tx, p *pass) error {
		rec, role, err := e.loadLeaf(ctx, tx, expectationID)
		if err != nil {
			return err
		}
		if err := e.guardTechnicalWrite(ctx, tx, rec, role); err != nil {
			return err
		}
		MergeResult(&rec, obs.toResult(rec, e.now()))
		if err := e.writeLeaf(ctx, tx, p, &rec, role, events.TypeResultMerged, events.EventPayload{"source_id": obs.SourceID}); err != nil {
			return err
		}
		out = rec
		return e.recomputeAncestors(ctx, tx, p, []domain.Expectation{rec})
	})
	if err != nil {
		return domain.Expectation{}, err
	}
	return out, nil
}

// BulkRecordTechnicalObservations applies every observation first and then
// recomputes each distinct ancestor once, in one transaction.
func (e Engine) BulkRecordTechnicalObservations(ctx context.Context, batch map[string]Observation) error {
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		obs := batch[id]
		if obs.SourceID == "" {
			return ValidationError{ExpectationID: id, Reason: "source id is required"}
		}
		if !validScore(obs.Score) {
			return ValidationError{ExpectationID: id, Reason: "score must be a non-negative number"}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return e.inPass(ctx, func(tx *sql.Tx, p *pass) error {
		leaves := make([]domain.Expectation, 0, len(ids))
		for _, id := range ids {
			rec, role, err := e.loadLeaf(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := e.guardTechnicalWrite(ctx, tx, rec, role); err != nil {
				return err
			}
			obs := batch[id]
			MergeResult(&rec, obs.toResult(rec, e.now()))
			if err := e.writeLeaf(ctx, tx, p, &rec, role, events.TypeResultMerged, events.EventPayload{"source_id": obs.SourceID, "bulk": true}); err != nil {
				return err
			}
			leaves = append(leaves, rec)
		}
		return e.recomputeAncestors(ctx, tx, p, leaves)
	})
}

// RecordHumanVerdict sets the single grader result of a human-response record.
// A verdict on a team that has players is applied to each player, and the team
// is then recomputed from them.
func (e Engine) RecordHumanVerdict(ctx context.Context, expectationID, sourceLabel string, rawScore float64) (domain.Expectation, error) {
	if sourceLabel == "" {
		return domain.Expectation{}, ValidationError{ExpectationID: expectationID, Reason: "source label is required"}
	}
	var out domain.Expectation
	err := e.inPass(ctx, func(tx *sql.Tx, p *pass) error {
		rec, role, err := e.loadLeaf(ctx, tx, expectationID)
		if err != nil {
			return err
		}
		if !rec.Type.HumanResponse() {
			return ValidationError{ExpectationID: rec.ID, Role: role, Reason: "verdicts only apply to human-response expectations"}
		}
		if !validScore(rawScore) || rawScore > rec.ExpectedScore {
			return ValidationError{ExpectationID: rec.ID, Role: role, Reason: fmt.Sprintf("score must be between 0 and %g", rec.ExpectedScore)}
		}
		verdict := func(target domain.Expectation) domain.Result {
			score := rawScore
			return domain.Result{
				SourceID:   sourceLabel,
				SourceType: "human",
				SourceName: sourceLabel,
				Score:      rawScore,
				Result:     ResultLabel(target.Type, &score, target.ExpectedScore),
				Date:       e.now().UTC().Format(time.RFC3339),
			}
		}
		payload := func() events.EventPayload {
			return events.EventPayload{"source_id": sourceLabel, "verdict": rawScore}
		}
		switch role {
		case RoleTeam:
			players, err := e.Repo.PlayerSiblingsTx(ctx, tx, rec.InjectID, rec.Type, *rec.TeamID)
			if err != nil {
				return err
			}
			if len(players) > 0 {
				for i := range players {
					MergeResult(&players[i], verdict(players[i]))
					if err := e.writeLeaf(ctx, tx, p, &players[i], RolePlayer, events.TypeResultMerged, payload()); err != nil {
						return err
					}
				}
				if err := e.recomputeAncestors(ctx, tx, p, players); err != nil {
					return err
				}
				out, err = e.Repo.GetExpectationTx(ctx, tx, rec.ID)
				return err
			}
		case RolePlayer:
		default:
			if err := e.guardTechnicalWrite(ctx, tx, rec, role); err != nil {
				return err
			}
		}
		MergeResult(&rec, verdict(rec))
		if err := e.writeLeaf(ctx, tx, p, &rec, role, events.TypeResultMerged, payload()); err != nil {
			return err
		}
		out = rec
		return e.recomputeAncestors(ctx, tx, p, []domain.Expectation{rec})
	})
	if err != nil {
		return domain.Expectation{}, err
	}
	return out, nil
}

// DeleteResult removes one source's result, recomputes the record's own score
// and propagates. On a team with players the result is removed from each player.
func (e Engine) DeleteResult(ctx context.Context, expectationID, sourceID string) (domain.Expectation, error) {
	if sourceID == "" {
		return domain.Expectation{}, ValidationError{ExpectationID: expectationID, Reason: "source id is required"}
	}
	var out domain.Expectation
	err := e.inPass(ctx, func(tx *sql.Tx, p *pass) error {
		rec, role, err := e.loadLeaf(ctx, tx, expectationID)
		if err != nil {
			return err
		}
		payload := events.EventPayload{"source_id": sourceID}
		if role == RoleTeam {
			players, err := e.Repo.PlayerSiblingsTx(ctx, tx, rec.InjectID, rec.Type, *rec.TeamID)
			if err != nil {
				return err
			}
			var changed []domain.Expectation
			for i := range players {
				if !RemoveResult(&players[i], sourceID) {
					continue
				}
				if err := e.writeLeaf(ctx, tx, p, &players[i], RolePlayer, events.TypeResultDeleted, payload); err != nil {
					return err
				}
				changed = append(changed, players[i])
			}
			if len(changed) > 0 {
				if err := e.recomputeAncestors(ctx, tx, p, changed); err != nil {
					return err
				}
				out, err = e.Repo.GetExpectationTx(ctx, tx, rec.ID)
				return err
			}
		}
		if role != RolePlayer && role != RoleTeam {
			if err := e.guardTechnicalWrite(ctx, tx, rec, role); err != nil {
				return err
			}
		}
		if !RemoveResult(&rec, sourceID) {
			return fmt.Errorf("result from source %s on expectation %s: %w", sourceID, rec.ID, repo.ErrNotFound)
		}
		if err := e.writeLeaf(ctx, tx, p, &rec, role, events.TypeResultDeleted, payload); err != nil {
			return err
		}
		out = rec
		return e.recomputeAncestors(ctx, tx, p, []domain.Expectation{rec})
	})
	if err != nil {
		return domain.Expectation{}, err
	}
	return out, nil
}

func (e Engine) loadLeaf(ctx context.Context, tx *sql.Tx, id string) (domain.Expectation, Role, error) {
	rec, err := e.Repo.GetExpectationTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rec, "", fmt.Errorf("expectation %s: %w", id, repo.ErrNotFound)
		}
		return rec, "", err
	}
	role, err := RoleOf(rec)
	if err != nil {
		return rec, "", err
	}
	return rec, role, nil
}

func (e Engine) GetExpectation(ctx context.Context, id string) (domain.Expectation, error) {
	return e.Repo.GetExpectation(ctx, id)
}

func (e Engine) ListExpectations(ctx context.Context, f repo.ExpectationFilters) ([]domain.Expectation, error) {
	return e.Repo.ListExpectations(ctx, f)
}

// scoreValue unwraps a score for logging.
func scoreValue(s *float64) any {
	if s == nil {
		return nil
	}
	return *s
}
