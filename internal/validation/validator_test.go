package validation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mawiseman/portal-sync/internal/errors"
	"github.com/mawiseman/portal-sync/internal/model"
)

func validTenant() model.Tenant {
	return model.Tenant{
		ID:          "t-1",
		Name:        "prod",
		DisplayName: "Production",
		URL:         "https://t1.example.com",
	}
}

func validOrg() model.Organization {
	return model.Organization{
		ID:          "org-1",
		Name:        "Org One",
		DisplayName: "Org One",
		URL:         "https://portal.example.com/org/org-1",
		Groups: []model.ProductGroup{
			{ID: "grp-1", Name: "XM Cloud", Tenants: []model.Tenant{validTenant()}},
		},
	}
}

func TestValidateOrganization_Valid(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateOrganization(validOrg()))
}

func TestValidateOrganization_Invalid(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name   string
		mutate func(*model.Organization)
	}{
		{"empty id", func(o *model.Organization) { o.ID = "" }},
		{"oversized id", func(o *model.Organization) { o.ID = strings.Repeat("x", MaxIDSize+1) }},
		{"null byte in id", func(o *model.Organization) { o.ID = "org\x00evil" }},
		{"control char in id", func(o *model.Organization) { o.ID = "org\x07bell" }},
		{"empty name", func(o *model.Organization) { o.Name = "" }},
		{"oversized name", func(o *model.Organization) { o.Name = strings.Repeat("n", MaxNameSize+1) }},
		{"bad url scheme", func(o *model.Organization) { o.URL = "javascript:alert(1)" }},
		{"oversized url", func(o *model.Organization) { o.URL = "https://x.example.com/" + strings.Repeat("p", MaxURLSize) }},
		{"duplicate group ids", func(o *model.Organization) {
			o.Groups = append(o.Groups, model.ProductGroup{ID: "grp-1", Name: "Copy"})
		}},
		{"invalid nested tenant", func(o *model.Organization) {
			o.Groups[0].Tenants[0].ID = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			org := validOrg()
			tt.mutate(&org)
			err := v.ValidateOrganization(org)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
		})
	}
}

func TestValidateTenant_ActionLimits(t *testing.T) {
	v := NewValidator()

	tenant := validTenant()
	for i := 0; i <= MaxActions; i++ {
		tenant.Actions = append(tenant.Actions, model.TenantAction{
			Name: "open dashboard",
			URL:  "https://dash.example.com",
		})
	}
	assert.Error(t, v.ValidateTenant(tenant))

	tenant.Actions = tenant.Actions[:MaxActions]
	assert.NoError(t, v.ValidateTenant(tenant))
}

func TestValidateTenant_EmptyURLAllowed(t *testing.T) {
	v := NewValidator()
	tenant := validTenant()
	tenant.URL = ""
	assert.NoError(t, v.ValidateTenant(tenant))
}

func TestValidateRecordSet_DuplicateOrgIDs(t *testing.T) {
	v := NewValidator()

	a := validOrg()
	b := validOrg()
	err := v.ValidateRecordSet([]model.Organization{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate organization id")
}

func TestValidateCustomName(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCustomName(""))
	assert.NoError(t, v.ValidateCustomName("My Production Org"))
	assert.NoError(t, v.ValidateCustomName("émoji ✓ allowed"))

	assert.Error(t, v.ValidateCustomName(strings.Repeat("x", MaxCustomNameSize+1)))
	assert.Error(t, v.ValidateCustomName("tab\tseparated"))
	assert.Error(t, v.ValidateCustomName("null\x00byte"))
}

func TestSanitizeCustomName(t *testing.T) {
	assert.Equal(t, "clean", SanitizeCustomName("clean"))
	assert.Equal(t, "tabseparated", SanitizeCustomName("tab\tseparated"))
	assert.Equal(t, "trimmed", SanitizeCustomName("  trimmed  "))
	assert.Len(t, SanitizeCustomName(strings.Repeat("x", MaxCustomNameSize*2)), MaxCustomNameSize)
	assert.Equal(t, "", SanitizeCustomName("\x00\x01\x02"))
}

func TestSanitizeCustomName_TruncatesOnRuneBoundary(t *testing.T) {
	// "€" is 3 bytes, so the byte limit of 128 lands mid-rune; the cut must
	// back up to the previous rune start instead of emitting invalid UTF-8.
	name := strings.Repeat("€", MaxCustomNameSize)

	sanitized := SanitizeCustomName(name)
	assert.LessOrEqual(t, len(sanitized), MaxCustomNameSize)
	assert.True(t, utf8.ValidString(sanitized))
	assert.Equal(t, strings.Repeat("€", MaxCustomNameSize/3), sanitized)
}

func TestValidatorWithCustomLimits(t *testing.T) {
	v := NewValidatorWithLimits(4, 8, 4, 64)

	org := validOrg()
	org.ID = "12345"
	err := v.ValidateOrganization(org)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum size")
}
