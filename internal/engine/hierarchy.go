package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"expectline/internal/domain"
	"expectline/internal/repo"
)

// Role is a record's position in the target hierarchy.
type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleAsset      Role = "ASSET"
	RoleAssetGroup Role = "ASSET_GROUP"
	RolePlayer     Role = "PLAYER"
	RoleTeam       Role = "TEAM"
)

// RoleOf classifies e by its most specific target key. Less specific keys link
// the record to its ancestors; any other combination is an integrity fault.
func RoleOf(e domain.Expectation) (Role, error) {
	agent, asset, group := set(e.AgentID), set(e.AssetID), set(e.AssetGroupID)
	user, team := set(e.UserID), set(e.TeamID)
	technical := agent || asset || group
	human := user || team
	fault := func(reason string) (Role, error) {
		return "", IntegrityError{ExpectationID: e.ID, InjectID: e.InjectID, Reason: reason}
	}
	switch {
	case technical && human:
		return fault("record mixes technical and human targets")
	case !technical && !human:
		return fault("record has no target")
	case technical && !e.Type.Technical():
		return fault("type " + string(e.Type) + " cannot target agents or assets")
	case human && !e.Type.HumanResponse():
		return fault("type " + string(e.Type) + " cannot target players or teams")
	case agent && !asset:
		return fault("agent record without asset")
	case agent:
		return RoleAgent, nil
	case asset:
		return RoleAsset, nil
	case group:
		return RoleAssetGroup, nil
	case user && !team:
		return fault("player record without team")
	case user:
		return RolePlayer, nil
	}
	return RoleTeam, nil
}

func set(v *string) bool {
	return v != nil && *v != ""
}

// family is a record's sibling set (itself included) and its direct parent.
type family struct {
	role     Role
	siblings []domain.Expectation
	parent   *domain.Expectation
}

// isGroup picks the aggregation policy for the hop into f.parent.
func (f family) isGroup() bool {
	if f.role == RoleAgent || f.parent == nil {
		return false
	}
	return f.parent.IsGroup
}

func (f family) childScores() []*float64 {
	scores := make([]*float64, 0, len(f.siblings))
	for _, s := range f.siblings {
		scores = append(scores, s.Score)
	}
	return scores
}

// siblingsAndParent reads, inside tx, everything needed to recompute the
// parent of e. Asset groups, teams and assets outside any group have no parent.
// A parent that is referenced but missing is reported as repo.ErrNotFound.
func (e Engine) siblingsAndParent(ctx context.Context, tx *sql.Tx, rec domain.Expectation) (family, error) {
	role, err := RoleOf(rec)
	if err != nil {
		return family{}, err
	}
	f := family{role: role}
	var (
		parent   domain.Expectation
		siblings []domain.Expectation
	)
	switch role {
	case RoleAgent:
		parent, err = e.Repo.AssetRecordTx(ctx, tx, rec.InjectID, rec.Type, *rec.AssetID, rec.AssetGroupID)
		if err == nil {
			siblings, err = e.Repo.AgentSiblingsTx(ctx, tx, rec.InjectID, rec.Type, *rec.AssetID, rec.AssetGroupID)
		}
	case RoleAsset:
		if !set(rec.AssetGroupID) {
			return f, nil
		}
		parent, err = e.Repo.AssetGroupRecordTx(ctx, tx, rec.InjectID, rec.Type, *rec.AssetGroupID)
		if err == nil {
			siblings, err = e.Repo.AssetSiblingsTx(ctx, tx, rec.InjectID, rec.Type, *rec.AssetGroupID)
		}
	case RolePlayer:
		parent, err = e.Repo.TeamRecordTx(ctx, tx, rec.InjectID, rec.Type, *rec.TeamID)
		if err == nil {
			siblings, err = e.Repo.PlayerSiblingsTx(ctx, tx, rec.InjectID, rec.Type, *rec.TeamID)
		}
	default:
		return f, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return family{}, fmt.Errorf("parent of %s expectation %s (inject %s): %w", role, rec.ID, rec.InjectID, repo.ErrNotFound)
	}
	if err != nil {
		return family{}, err
	}
	f.parent = &parent
	f.siblings = siblings
	return f, nil
}

// parentKey identifies the parent a leaf rolls up into, for deduplication.
func parentKey(rec domain.Expectation, role Role) string {
	switch role {
	case RoleAgent:
		return string(role) + "|" + rec.InjectID + "|" + string(rec.Type) + "|" + *rec.AssetID + "|" + deref(rec.AssetGroupID)
	case RoleAsset:
		return string(role) + "|" + rec.InjectID + "|" + string(rec.Type) + "|" + deref(rec.AssetGroupID)
	case RolePlayer:
		return string(role) + "|" + rec.InjectID + "|" + string(rec.Type) + "|" + deref(rec.TeamID)
	}
	return ""
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
