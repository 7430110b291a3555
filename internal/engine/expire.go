package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"expectline/internal/domain"
	"expectline/internal/events"
	"expectline/internal/repo"
)

const expiredLabel = "Expired"

type SweepOptions struct {
	Type domain.ExpectationType
	// CutoffMinutes applies to records without their own expiration time.
	// Zero falls back to the configured minutes for Type.
	CutoffMinutes int
	// SourceID narrows candidates to records still missing a result from
	// that source. Empty means records with no result at all.
	SourceID string
}

type SweepReport struct {
	Type    domain.ExpectationType `json:"type"`
	Scanned int                    `json:"scanned"`
	Expired int                    `json:"expired"`
	Failed  int                    `json:"failed"`
}

// SweepExpired force-fails agent records that outlived their window. Each
// record is expired and propagated in its own pass, so one bad record does
// not hold back the rest; it stays eligible for the next sweep.
func (e Engine) SweepExpired(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	report := SweepReport{Type: opts.Type}
	if !opts.Type.Technical() {
		return report, ValidationError{Reason: fmt.Sprintf("type %s is not swept", opts.Type)}
	}
	if opts.CutoffMinutes < 0 {
		return report, ValidationError{Reason: "cutoff minutes must be >= 0"}
	}
	cutoff := opts.CutoffMinutes
	if cutoff == 0 {
		cutoff = e.Config.ExpirationMinutes(opts.Type)
	}
	candidates, err := e.Repo.FindExpirable(ctx, repo.ExpirableFilters{
		Type:            opts.Type,
		SweeperSourceID: e.sweeperSourceID(),
		SourceID:        opts.SourceID,
	})
	if err != nil {
		return report, err
	}
	now := e.now().UTC()
	windows := map[string]repo.SignatureWindow{}
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		key := rec.InjectID + "|" + *rec.AgentID
		w, ok := windows[key]
		if !ok {
			w, err = e.Repo.GetSignatureWindow(ctx, rec.InjectID, *rec.AgentID)
			if err != nil {
				report.Failed++
				e.logger().Error("read signatures", "expectation_id", rec.ID, "inject_id", rec.InjectID, "error", err)
				continue
			}
			windows[key] = w
		}
		minutes := cutoff
		if rec.ExpirationTime > 0 {
			minutes = rec.ExpirationTime
		}
		if !expirationDue(rec.CreatedAt, w, minutes, now) {
			continue
		}
		expired, err := e.expireOne(ctx, rec.ID, opts.SourceID)
		if err != nil {
			report.Failed++
			e.logger().Error("expire expectation", "expectation_id", rec.ID, "inject_id", rec.InjectID, "error", err)
			continue
		}
		if expired {
			report.Expired++
		}
	}
	e.logger().Info("expiration sweep finished",
		"type", string(opts.Type), "scanned", report.Scanned, "expired", report.Expired, "failed", report.Failed)
	return report, nil
}

// expireOne re-checks the record inside its pass; a result that arrived after
// the scan wins over expiration.
func (e Engine) expireOne(ctx context.Context, id, sourceID string) (bool, error) {
	expired := false
	err := e.inPass(ctx, func(tx *sql.Tx, p *pass) error {
		expired = false
		rec, role, err := e.loadLeaf(ctx, tx, id)
		if err != nil {
			return err
		}
		if role != RoleAgent {
			return IntegrityError{ExpectationID: rec.ID, InjectID: rec.InjectID, Reason: "expiration candidate is not an agent record"}
		}
		if _, done := rec.ResultFrom(e.sweeperSourceID()); done {
			return nil
		}
		if sourceID != "" {
			if _, done := rec.ResultFrom(sourceID); done {
				return nil
			}
		} else if len(rec.Results) > 0 {
			return nil
		}
		MergeResult(&rec, domain.Result{
			SourceID:   e.sweeperSourceID(),
			SourceType: "expiration",
			SourceName: e.sweeperSourceName(),
			Score:      FailScore,
			Result:     expiredLabel,
			Date:       e.now().UTC().Format(time.RFC3339),
		})
		if err := e.writeLeaf(ctx, tx, p, &rec, role, events.TypeExpired, events.EventPayload{"source_id": e.sweeperSourceID()}); err != nil {
			return err
		}
		expired = true
		return e.recomputeAncestors(ctx, tx, p, []domain.Expectation{rec})
	})
	return expired, err
}

// expirationDue decides whether a record created at createdAt has run out of
// time. A start signature replaces the creation time as the base and nothing
// expires before it; an end signature forces expiration once reached.
func expirationDue(createdAt string, w repo.SignatureWindow, minutes int, now time.Time) bool {
	base, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return false
	}
	if w.Start != "" {
		start, err := time.Parse(time.RFC3339, w.Start)
		if err == nil {
			if now.Before(start) {
				return false
			}
			base = start
		}
	}
	if w.End != "" {
		end, err := time.Parse(time.RFC3339, w.End)
		if err == nil && !now.Before(end) {
			return true
		}
	}
	if minutes <= 0 {
		return false
	}
	return !now.Before(base.Add(time.Duration(minutes) * time.Minute))
}

func (e Engine) sweeperSourceID() string {
	if e.Config != nil && e.Config.Expiration.SourceID != "" {
		return e.Config.Expiration.SourceID
	}
	return "expiration-sweeper"
}

func (e Engine) sweeperSourceName() string {
	if e.Config != nil && e.Config.Expiration.SourceName != "" {
		return e.Config.Expiration.SourceName
	}
	return "Expiration"
}
