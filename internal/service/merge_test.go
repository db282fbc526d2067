package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/model"
	"github.com/mawiseman/portal-sync/internal/validation"
)

func org(id, name string, groups ...model.ProductGroup) model.Organization {
	if groups == nil {
		groups = []model.ProductGroup{}
	}
	return model.Organization{
		ID:          id,
		Name:        name,
		DisplayName: name,
		URL:         "https://portal.example.com/org/" + id,
		Groups:      groups,
	}
}

func TestMergeOrganizations_PreservesCustomName(t *testing.T) {
	existing := []model.Organization{org("org-1", "Old Name")}
	existing[0].CustomName = "My Production Org"

	incoming := []model.Organization{org("org-1", "New Default Name")}

	merged := MergeOrganizations(existing, incoming)

	require.Len(t, merged, 1)
	assert.Equal(t, "My Production Org", merged[0].CustomName)
	assert.Equal(t, "New Default Name", merged[0].Name)
	assert.Equal(t, "New Default Name", merged[0].DisplayName)
}

func TestMergeOrganizations_Additive(t *testing.T) {
	a := org("org-a", "Org A")
	b := org("org-b", "Org B")
	existing := []model.Organization{a, b}

	bUpdated := org("org-b", "Org B Renamed")
	c := org("org-c", "Org C")
	merged := MergeOrganizations(existing, []model.Organization{bUpdated, c})

	require.Len(t, merged, 3)

	ids := []string{merged[0].ID, merged[1].ID, merged[2].ID}
	assert.Equal(t, []string{"org-a", "org-b", "org-c"}, ids)

	// a was never revisited and must be untouched
	assert.Equal(t, a, merged[0])
	assert.Equal(t, "Org B Renamed", merged[1].Name)
}

func TestMergeOrganizations_PreservesNestedCollectionsWhenAbsent(t *testing.T) {
	existing := []model.Organization{org("org-1", "Org",
		model.ProductGroup{ID: "grp-1", Name: "XM Cloud", Tenants: []model.Tenant{
			{ID: "t-1", Name: "prod", DisplayName: "Production", URL: "https://t1.example.com"},
		}},
	)}

	incoming := org("org-1", "Org Fresh")
	incoming.Groups = nil

	merged := MergeOrganizations(existing, []model.Organization{incoming})

	require.Len(t, merged, 1)
	require.Len(t, merged[0].Groups, 1)
	assert.Equal(t, "grp-1", merged[0].Groups[0].ID)
	require.Len(t, merged[0].Groups[0].Tenants, 1)
}

func TestMergeOrganizations_NewRecordGetsEmptyGroups(t *testing.T) {
	incoming := org("org-new", "Brand New")
	incoming.Groups = nil

	merged := MergeOrganizations(nil, []model.Organization{incoming})

	require.Len(t, merged, 1)
	assert.NotNil(t, merged[0].Groups)
	assert.Empty(t, merged[0].Groups)
}

func TestMergeOrganizations_TenantCustomNamePreserved(t *testing.T) {
	existing := []model.Organization{org("org-1", "Org",
		model.ProductGroup{ID: "grp-1", Name: "CDP", Tenants: []model.Tenant{
			{ID: "t-1", Name: "prod", DisplayName: "Production", CustomName: "Main", URL: "https://t1.example.com"},
		}},
	)}

	incoming := []model.Organization{org("org-1", "Org",
		model.ProductGroup{ID: "grp-1", Name: "CDP", Tenants: []model.Tenant{
			{ID: "t-1", Name: "prod-v2", DisplayName: "Production v2", URL: "https://t1-v2.example.com"},
		}},
	)}

	merged := MergeOrganizations(existing, incoming)

	tenant := merged[0].Groups[0].Tenants[0]
	assert.Equal(t, "Main", tenant.CustomName)
	assert.Equal(t, "prod-v2", tenant.Name)
	assert.Equal(t, "https://t1-v2.example.com", tenant.URL)
}

func TestMergeOrganizations_DeterministicAcrossIncomingOrder(t *testing.T) {
	existing := []model.Organization{org("org-a", "A")}

	x := org("org-x", "X")
	y := org("org-y", "Y")
	aUpdated := org("org-a", "A2")

	first := MergeOrganizations(existing, []model.Organization{x, y, aUpdated})
	second := MergeOrganizations(existing, []model.Organization{aUpdated, y, x})

	assert.Equal(t, first, second)
}

func TestMergeOrganizations_DuplicateIncomingIDs(t *testing.T) {
	first := org("org-1", "First Wins")
	second := org("org-1", "Second Loses")

	merged := MergeOrganizations(nil, []model.Organization{first, second})

	require.Len(t, merged, 1)
	assert.Equal(t, "First Wins", merged[0].Name)
}

func TestMergeService_ValidateCandidate(t *testing.T) {
	svc := NewMergeService(validation.NewValidator(), nil, zap.NewNop())

	good, err := model.EncodeOrganizations([]model.Organization{org("org-1", "Org")})
	require.NoError(t, err)
	assert.NoError(t, svc.ValidateCandidate(good, nil))

	dup, err := model.EncodeOrganizations([]model.Organization{
		org("org-1", "Org"),
		org("org-1", "Copy"),
	})
	require.NoError(t, err)
	assert.Error(t, svc.ValidateCandidate(dup, nil))

	assert.Error(t, svc.ValidateCandidate([]byte(`{"not":"an array"}`), nil))
}

func TestMergeService_SkipsInvalidRecords(t *testing.T) {
	svc := NewMergeService(validation.NewValidator(), nil, zap.NewNop())

	valid := org("org-ok", "Valid")
	invalid := org("", "No ID")

	merged := svc.Merge(nil, []model.Organization{invalid, valid})

	require.Len(t, merged, 1)
	assert.Equal(t, "org-ok", merged[0].ID)
}
