package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOrganizations(t *testing.T) {
	orgs, err := DecodeOrganizations(nil)
	require.NoError(t, err)
	assert.NotNil(t, orgs)
	assert.Empty(t, orgs)

	orgs, err = DecodeOrganizations(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.NotNil(t, orgs)

	orgs, err = DecodeOrganizations(json.RawMessage(`[{"id":"org-1","name":"Org","displayName":"Org","url":"","groups":null}]`))
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "org-1", orgs[0].ID)

	_, err = DecodeOrganizations(json.RawMessage(`{"not":"an array"}`))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orgs := []Organization{{
		ID:          "org-1",
		Name:        "Org",
		DisplayName: "Org",
		CustomName:  "Mine",
		URL:         "https://portal.example.com",
		Groups: []ProductGroup{{
			ID:   "grp-1",
			Name: "XM Cloud",
			Tenants: []Tenant{{
				ID:          "t-1",
				Name:        "prod",
				DisplayName: "Production",
				URL:         "https://t1.example.com",
				Actions:     []TenantAction{{Name: "open", URL: "https://t1.example.com/app"}},
			}},
		}},
	}}

	payload, err := EncodeOrganizations(orgs)
	require.NoError(t, err)

	decoded, err := DecodeOrganizations(payload)
	require.NoError(t, err)
	assert.Equal(t, orgs, decoded)
}

func TestEncodeOrganizations_NilIsEmptyArray(t *testing.T) {
	payload, err := EncodeOrganizations(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(payload))
}

func TestCustomNameOmittedWhenEmpty(t *testing.T) {
	payload, err := json.Marshal(Tenant{ID: "t-1", Name: "prod"})
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "customName")
}

func TestRequestStatusIsTerminal(t *testing.T) {
	assert.False(t, RequestStatusPending.IsTerminal())
	for _, status := range []RequestStatus{
		RequestStatusCompleted,
		RequestStatusFailed,
		RequestStatusTimeout,
		RequestStatusCancelled,
		RequestStatusStaleCleanup,
	} {
		assert.True(t, status.IsTerminal(), string(status))
	}
}
