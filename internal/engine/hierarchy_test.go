package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expectline/internal/domain"
)

func str(v string) *string { return &v }

func TestRoleOf(t *testing.T) {
	cases := []struct {
		name string
		e    domain.Expectation
		want Role
	}{
		{"agent", domain.Expectation{Type: domain.TypeDetection, AgentID: str("x"), AssetID: str("A")}, RoleAgent},
		{"agent in group", domain.Expectation{Type: domain.TypeDetection, AgentID: str("x"), AssetID: str("A"), AssetGroupID: str("G")}, RoleAgent},
		{"asset", domain.Expectation{Type: domain.TypePrevention, AssetID: str("A")}, RoleAsset},
		{"asset in group", domain.Expectation{Type: domain.TypePrevention, AssetID: str("A"), AssetGroupID: str("G")}, RoleAsset},
		{"group", domain.Expectation{Type: domain.TypeVulnerability, AssetGroupID: str("G")}, RoleAssetGroup},
		{"player", domain.Expectation{Type: domain.TypeText, UserID: str("u"), TeamID: str("T")}, RolePlayer},
		{"team", domain.Expectation{Type: domain.TypeManual, TeamID: str("T")}, RoleTeam},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RoleOf(tc.e)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRoleOfIntegrityFaults(t *testing.T) {
	cases := map[string]domain.Expectation{
		"no target":              {Type: domain.TypeDetection},
		"agent without asset":    {Type: domain.TypeDetection, AgentID: str("x")},
		"player without team":    {Type: domain.TypeText, UserID: str("u")},
		"mixed targets":          {Type: domain.TypeManual, AssetID: str("A"), TeamID: str("T")},
		"human type on asset":    {Type: domain.TypeArticle, AssetID: str("A")},
		"technical type on team": {Type: domain.TypeDetection, TeamID: str("T")},
		"empty key is unset":     {Type: domain.TypeDetection, AgentID: str("")},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			e.ID, e.InjectID = "exp-1", "inj-1"
			_, err := RoleOf(e)
			var ierr IntegrityError
			require.ErrorAs(t, err, &ierr)
			assert.Equal(t, "exp-1", ierr.ExpectationID)
			assert.Equal(t, "inj-1", ierr.InjectID)
		})
	}
}

func TestFamilyPolicy(t *testing.T) {
	group := domain.Expectation{IsGroup: true}
	assert.False(t, family{role: RoleAgent, parent: &group}.isGroup(), "agents always roll up all-of")
	assert.True(t, family{role: RoleAsset, parent: &group}.isGroup())
	team := domain.Expectation{IsGroup: false}
	assert.False(t, family{role: RolePlayer, parent: &team}.isGroup())
	assert.False(t, family{role: RoleAsset}.isGroup())
}

func TestParentKeySeparatesGroups(t *testing.T) {
	a := domain.Expectation{InjectID: "i", Type: domain.TypeDetection, AgentID: str("x"), AssetID: str("A")}
	b := a
	b.AssetGroupID = str("G")
	assert.NotEqual(t, parentKey(a, RoleAgent), parentKey(b, RoleAgent))
}
