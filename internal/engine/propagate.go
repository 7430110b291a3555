package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"expectline/internal/domain"
	"expectline/internal/events"
	"expectline/internal/repo"
)

// pass accumulates what one transaction changed, for publishing after commit.
type pass struct {
	actorID string
	changes []events.ScoreChange
}

func (p *pass) touched(rec domain.Expectation, role Role) {
	for i, c := range p.changes {
		if c.ExpectationID == rec.ID {
			p.changes[i].Score = rec.Score
			p.changes[i].Version = rec.Version
			return
		}
	}
	p.changes = append(p.changes, events.ScoreChange{
		ExpectationID: rec.ID,
		InjectID:      rec.InjectID,
		Type:          string(rec.Type),
		Role:          string(role),
		Score:         rec.Score,
		Version:       rec.Version,
	})
}

// inPass runs fn in one transaction. A lost compare-and-write restarts the
// whole pass with fresh reads; any other error rolls everything back.
func (e Engine) inPass(ctx context.Context, fn func(tx *sql.Tx, p *pass) error) error {
	attempts := 1
	if e.Config != nil {
		attempts += e.Config.Engine.MaxPassRetries
	}
	var err error
	for i := 0; i < attempts; i++ {
		p := &pass{actorID: actorFromContext(ctx)}
		err = e.runPass(ctx, p, fn)
		if err == nil {
			if pubErr := e.publisher().Publish(ctx, p.changes); pubErr != nil {
				e.logger().Warn("publish score changes", "error", pubErr, "changes", len(p.changes))
			}
			return nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
		e.logger().Debug("propagation pass lost a race, retrying", "attempt", i+1, "error", err)
	}
	var ie IntegrityError
	if errors.As(err, &ie) {
		e.logger().Error("integrity fault aborted propagation pass",
			"expectation_id", ie.ExpectationID, "inject_id", ie.InjectID, "reason", ie.Reason)
	}
	return err
}

func (e Engine) runPass(ctx context.Context, p *pass, fn func(tx *sql.Tx, p *pass) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// writeLeaf persists a record whose own results changed.
func (e Engine) writeLeaf(ctx context.Context, tx *sql.Tx, p *pass, rec *domain.Expectation, role Role, evtType string, payload events.EventPayload) error {
	rec.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateExpectationTx(ctx, tx, rec); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["score"] = rec.Score
	payload["role"] = string(role)
	if err := e.Events.Append(ctx, tx, evtType, rec.InjectID, "expectation", rec.ID, p.actorID, payload); err != nil {
		return err
	}
	p.touched(*rec, role)
	return nil
}

// recomputeAncestors walks up from already-written leaves. Each distinct
// parent is recomputed once, from the full current sibling set read inside tx,
// and intermediate parents are recomputed before top-level ones.
func (e Engine) recomputeAncestors(ctx context.Context, tx *sql.Tx, p *pass, leaves []domain.Expectation) error {
	firstHop := map[string]domain.Expectation{}
	secondHop := map[string]domain.Expectation{}
	for _, leaf := range leaves {
		role, err := RoleOf(leaf)
		if err != nil {
			return err
		}
		switch role {
		case RoleAgent, RolePlayer:
			firstHop[parentKey(leaf, role)] = leaf
		case RoleAsset:
			secondHop[parentKey(leaf, role)] = leaf
		}
	}
	for _, key := range sortedKeys(firstHop) {
		parent, err := e.recomputeParent(ctx, tx, p, firstHop[key])
		if err != nil {
			return err
		}
		if parent == nil {
			continue
		}
		if role, _ := RoleOf(*parent); role == RoleAsset {
			secondHop[parentKey(*parent, role)] = *parent
		}
	}
	for _, key := range sortedKeys(secondHop) {
		if _, err := e.recomputeParent(ctx, tx, p, secondHop[key]); err != nil {
			return err
		}
	}
	return nil
}

// recomputeParent aggregates child's siblings into their parent and writes the
// parent if its score moved. It returns the (possibly updated) parent, or nil
// when child has none.
func (e Engine) recomputeParent(ctx context.Context, tx *sql.Tx, p *pass, child domain.Expectation) (*domain.Expectation, error) {
	f, err := e.siblingsAndParent(ctx, tx, child)
	if err != nil {
		return nil, fmt.Errorf("resolve parent of %s: %w", child.ID, err)
	}
	if f.parent == nil {
		return nil, nil
	}
	parent := f.parent
	parentRole, err := RoleOf(*parent)
	if err != nil {
		return nil, err
	}
	next := Aggregate(f.childScores(), parent.ExpectedScore, f.isGroup())
	if sameScore(parent.Score, next) {
		return parent, nil
	}
	previous := parent.Score
	parent.Score = next
	parent.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateExpectationTx(ctx, tx, parent); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeScorePropagate, parent.InjectID, "expectation", parent.ID, p.actorID, events.EventPayload{
		"role":       string(parentRole),
		"from_score": previous,
		"to_score":   next,
		"children":   len(f.siblings),
		"group":      f.isGroup(),
		"trigger":    child.ID,
	}); err != nil {
		return nil, err
	}
	p.touched(*parent, parentRole)
	e.logger().Debug("parent score recomputed",
		slog.String("expectation_id", parent.ID),
		slog.String("inject_id", parent.InjectID),
		slog.String("role", string(parentRole)),
		slog.Any("score", scoreValue(next)))
	return parent, nil
}

func sortedKeys(m map[string]domain.Expectation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
