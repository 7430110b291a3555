package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"expectline/internal/domain"
	"expectline/internal/events"
)

const defaultExpectedScore = 100.0

type AssetTarget struct {
	AssetID  string   `json:"asset_id"`
	AgentIDs []string `json:"agent_ids,omitempty"`
}

type AssetGroupTarget struct {
	AssetGroupID string        `json:"asset_group_id"`
	Assets       []AssetTarget `json:"assets,omitempty"`
}

type TeamTarget struct {
	TeamID  string   `json:"team_id"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// BuildRequest describes the expectations one inject creates for one type.
type BuildRequest struct {
	InjectID       string                 `json:"inject_id"`
	Type           domain.ExpectationType `json:"type"`
	Name           string                 `json:"name,omitempty"`
	Description    string                 `json:"description,omitempty"`
	ExpectedScore  float64                `json:"expected_score,omitempty"`
	ExpirationTime int                    `json:"expiration_time,omitempty"`
	// GroupPolicy overrides the any-of default of asset groups and the
	// all-of default of teams.
	GroupPolicy *bool              `json:"group_policy,omitempty"`
	Assets      []AssetTarget      `json:"assets,omitempty"`
	AssetGroups []AssetGroupTarget `json:"asset_groups,omitempty"`
	Teams       []TeamTarget       `json:"teams,omitempty"`
}

func (r BuildRequest) validate() error {
	if strings.TrimSpace(r.InjectID) == "" {
		return ValidationError{Reason: "inject id is required"}
	}
	if !r.Type.Valid() {
		return ValidationError{Reason: fmt.Sprintf("unknown expectation type %q", r.Type)}
	}
	if r.ExpectedScore < 0 || r.ExpirationTime < 0 {
		return ValidationError{Reason: "expected score and expiration time must be >= 0"}
	}
	technical := len(r.Assets) > 0 || len(r.AssetGroups) > 0
	if technical && !r.Type.Technical() {
		return ValidationError{Reason: fmt.Sprintf("type %s cannot target assets", r.Type)}
	}
	if len(r.Teams) > 0 && !r.Type.HumanResponse() {
		return ValidationError{Reason: fmt.Sprintf("type %s cannot target teams", r.Type)}
	}
	if !technical && len(r.Teams) == 0 {
		return ValidationError{Reason: "at least one target is required"}
	}
	for _, a := range r.Assets {
		if a.AssetID == "" {
			return ValidationError{Reason: "asset id is required"}
		}
	}
	for _, g := range r.AssetGroups {
		if g.AssetGroupID == "" {
			return ValidationError{Reason: "asset group id is required"}
		}
		for _, a := range g.Assets {
			if a.AssetID == "" {
				return ValidationError{Reason: "asset id is required"}
			}
		}
	}
	for _, t := range r.Teams {
		if t.TeamID == "" {
			return ValidationError{Reason: "team id is required"}
		}
	}
	return nil
}

// BuildExpectations creates one record per target in a single transaction:
// asset groups with their assets and agents, standalone assets with their
// agents, and teams with their players. All records start pending.
func (e Engine) BuildExpectations(ctx context.Context, req BuildRequest) ([]domain.Expectation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	expected := req.ExpectedScore
	if expected == 0 {
		expected = defaultExpectedScore
	}
	expiration := req.ExpirationTime
	if expiration == 0 && req.Type.Technical() {
		expiration = e.Config.ExpirationMinutes(req.Type)
	}
	now := e.now().UTC().Format(time.RFC3339)
	mk := func(isGroup bool, agent, asset, group, user, team string) domain.Expectation {
		return domain.Expectation{
			ID:             uuid.New().String(),
			InjectID:       req.InjectID,
			Type:           req.Type,
			Name:           req.Name,
			Description:    req.Description,
			ExpectedScore:  expected,
			IsGroup:        isGroup,
			ExpirationTime: expiration,
			AgentID:        optional(agent),
			AssetID:        optional(asset),
			AssetGroupID:   optional(group),
			UserID:         optional(user),
			TeamID:         optional(team),
			Results:        []domain.Result{},
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	policy := func(def bool) bool {
		if req.GroupPolicy != nil {
			return *req.GroupPolicy
		}
		return def
	}

	var records []domain.Expectation
	addAsset := func(a AssetTarget, group string) {
		records = append(records, mk(false, "", a.AssetID, group, "", ""))
		for _, agent := range a.AgentIDs {
			records = append(records, mk(false, agent, a.AssetID, group, "", ""))
		}
	}
	for _, g := range req.AssetGroups {
		records = append(records, mk(policy(true), "", "", g.AssetGroupID, "", ""))
		for _, a := range g.Assets {
			addAsset(a, g.AssetGroupID)
		}
	}
	for _, a := range req.Assets {
		addAsset(a, "")
	}
	for _, t := range req.Teams {
		records = append(records, mk(policy(false), "", "", "", "", t.TeamID))
		for _, user := range t.UserIDs {
			records = append(records, mk(false, "", "", "", user, t.TeamID))
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	actor := actorFromContext(ctx)
	for _, rec := range records {
		role, err := RoleOf(rec)
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertExpectationTx(ctx, tx, rec); err != nil {
			if isUniqueViolation(err) {
				return nil, ValidationError{Role: role, Reason: fmt.Sprintf("inject %s already has a %s expectation for this %s target", rec.InjectID, rec.Type, strings.ToLower(string(role)))}
			}
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeCreated, rec.InjectID, "expectation", rec.ID, actor, events.EventPayload{
			"type":           string(rec.Type),
			"role":           string(role),
			"expected_score": rec.ExpectedScore,
			"is_group":       rec.IsGroup,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.logger().Info("expectations created", "inject_id", req.InjectID, "type", string(req.Type), "count", len(records))
	return records, nil
}

// DeleteInjectExpectations removes every record and signature of an inject.
func (e Engine) DeleteInjectExpectations(ctx context.Context, injectID string) (int64, error) {
	if injectID == "" {
		return 0, ValidationError{Reason: "inject id is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.DeleteInjectExpectationsTx(ctx, tx, injectID)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeInjectPurged, injectID, "inject", injectID, actorFromContext(ctx), events.EventPayload{"deleted": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordSignature stores the start or end marker of an agent's execution of
// an inject. An empty At means now.
func (e Engine) RecordSignature(ctx context.Context, sig domain.Signature) (domain.Signature, error) {
	if sig.InjectID == "" || sig.AgentID == "" {
		return sig, ValidationError{Reason: "inject id and agent id are required"}
	}
	if sig.Kind != domain.SignatureStart && sig.Kind != domain.SignatureEnd {
		return sig, ValidationError{Reason: fmt.Sprintf("signature kind must be %s or %s", domain.SignatureStart, domain.SignatureEnd)}
	}
	if sig.At == "" {
		sig.At = e.now().UTC().Format(time.RFC3339)
	} else {
		at, err := time.Parse(time.RFC3339, sig.At)
		if err != nil {
			return sig, ValidationError{Reason: "signature time must be RFC3339"}
		}
		sig.At = at.UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sig, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSignatureTx(ctx, tx, sig); err != nil {
		return sig, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSignature, sig.InjectID, "agent", sig.AgentID, actorFromContext(ctx), events.EventPayload{
		"kind": string(sig.Kind),
		"at":   sig.At,
	}); err != nil {
		return sig, err
	}
	return sig, tx.Commit()
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
