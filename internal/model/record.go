package model

import (
	"encoding/json"
	"time"
)

// TenantAction is a navigable action attached to a tenant (open dashboard,
// open docs, and so on).
type TenantAction struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Tenant is a single addressable application instance. It belongs to exactly
// one ProductGroup. CustomName is user-set and must survive refreshes.
type Tenant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	CustomName  string         `json:"customName,omitempty"`
	URL         string         `json:"url"`
	Actions     []TenantAction `json:"actions,omitempty"`
}

// ProductGroup groups tenants of one product line within an organization.
type ProductGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Tenants []Tenant `json:"tenants"`
}

// Organization is the top-level tenant-owning entity.
type Organization struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	CustomName  string         `json:"customName,omitempty"`
	URL         string         `json:"url"`
	Groups      []ProductGroup `json:"groups"`
}

// VersionedRecord is the persisted unit of storage for a given key. Version
// is the optimistic-concurrency token: it starts at 0 for an absent key and
// is incremented by exactly one on every successful atomic update.
type VersionedRecord struct {
	Payload       json.RawMessage `json:"payload"`
	Version       int64           `json:"version"`
	LastModified  time.Time       `json:"lastModified"`
	TransactionID string          `json:"transactionId"`
}

// Lock is a per-key advisory lock. At most one lock is outstanding per key;
// it is released by its holder (matching LockID) or by the auto-release timer
// after Timeout, whichever comes first.
type Lock struct {
	Key        string
	LockID     string
	Operation  string
	AcquiredAt time.Time
	Timeout    time.Duration
}

// Backup is a pre-update snapshot of a record's payload. Version is the
// version the payload had BEFORE the update that triggered the backup.
type Backup struct {
	Key       string
	Version   int64
	Snapshot  json.RawMessage
	CreatedAt time.Time
}

// DecodeOrganizations decodes a record payload into the organization
// collection. An empty or nil payload decodes to an empty slice.
func DecodeOrganizations(payload json.RawMessage) ([]Organization, error) {
	if len(payload) == 0 {
		return []Organization{}, nil
	}
	var orgs []Organization
	if err := json.Unmarshal(payload, &orgs); err != nil {
		return nil, err
	}
	if orgs == nil {
		orgs = []Organization{}
	}
	return orgs, nil
}

// EncodeOrganizations encodes an organization collection as a record payload.
func EncodeOrganizations(orgs []Organization) (json.RawMessage, error) {
	if orgs == nil {
		orgs = []Organization{}
	}
	return json.Marshal(orgs)
}
