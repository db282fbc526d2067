package service

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/metrics"
	"github.com/mawiseman/portal-sync/internal/model"
	"github.com/mawiseman/portal-sync/internal/validation"
)

// MergeOrganizations combines freshly observed organizations into the
// previously persisted collection. Incoming fields win, except user
// customizations (custom names) which are carried over from existing, and
// nested collections absent from incoming which are preserved rather than
// dropped. Records present only in existing survive unchanged; the merge is
// additive and never deletes implicitly.
//
// The function is pure and deterministic: existing records keep their order
// and new records are appended sorted by id, so the result does not depend on
// incoming's internal ordering.
func MergeOrganizations(existing, incoming []model.Organization) []model.Organization {
	byID := make(map[string]int, len(existing))
	result := make([]model.Organization, len(existing))
	copy(result, existing)
	for i, org := range result {
		byID[org.ID] = i
	}

	var added []model.Organization
	for _, in := range incoming {
		idx, found := byID[in.ID]
		if found && idx < 0 {
			// duplicate id within this incoming batch; first occurrence wins
			continue
		}
		if !found {
			appended := in
			if appended.Groups == nil {
				appended.Groups = []model.ProductGroup{}
			}
			added = append(added, appended)
			byID[in.ID] = -1
			continue
		}

		old := result[idx]
		merged := in
		merged.CustomName = old.CustomName
		if in.Groups == nil {
			merged.Groups = old.Groups
		} else {
			merged.Groups = mergeGroups(old.Groups, in.Groups)
		}
		result[idx] = merged
		byID[in.ID] = -1
	}

	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return append(result, added...)
}

func mergeGroups(existing, incoming []model.ProductGroup) []model.ProductGroup {
	byID := make(map[string]int, len(existing))
	result := make([]model.ProductGroup, len(existing))
	copy(result, existing)
	for i, group := range result {
		byID[group.ID] = i
	}

	var added []model.ProductGroup
	for _, in := range incoming {
		idx, found := byID[in.ID]
		if found && idx < 0 {
			// duplicate id within this incoming batch; first occurrence wins
			continue
		}
		if !found {
			appended := in
			if appended.Tenants == nil {
				appended.Tenants = []model.Tenant{}
			}
			added = append(added, appended)
			byID[in.ID] = -1
			continue
		}

		old := result[idx]
		merged := in
		if in.Tenants == nil {
			merged.Tenants = old.Tenants
		} else {
			merged.Tenants = mergeTenants(old.Tenants, in.Tenants)
		}
		result[idx] = merged
		byID[in.ID] = -1
	}

	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return append(result, added...)
}

func mergeTenants(existing, incoming []model.Tenant) []model.Tenant {
	byID := make(map[string]int, len(existing))
	result := make([]model.Tenant, len(existing))
	copy(result, existing)
	for i, tenant := range result {
		byID[tenant.ID] = i
	}

	var added []model.Tenant
	for _, in := range incoming {
		idx, found := byID[in.ID]
		if found && idx < 0 {
			// duplicate id within this incoming batch; first occurrence wins
			continue
		}
		if !found {
			added = append(added, in)
			byID[in.ID] = -1
			continue
		}

		old := result[idx]
		merged := in
		merged.CustomName = old.CustomName
		if in.Actions == nil {
			merged.Actions = old.Actions
		}
		result[idx] = merged
		byID[in.ID] = -1
	}

	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return append(result, added...)
}

// MergeService wraps the pure merge with per-record validation: a malformed
// incoming record is skipped with a warning and the rest of the batch still
// merges.
type MergeService struct {
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewMergeService creates a merge service using the given validator.
func NewMergeService(validator *validation.Validator, m *metrics.Metrics, logger *zap.Logger) *MergeService {
	return &MergeService{
		validator: validator,
		logger:    logger,
		metrics:   m,
	}
}

// ValidateCandidate checks that a candidate record payload decodes as an
// organization collection and passes whole-collection validation. It has the
// atomic update validate hook's shape; a failure aborts the write without
// retry.
func (s *MergeService) ValidateCandidate(next, _ json.RawMessage) error {
	orgs, err := model.DecodeOrganizations(next)
	if err != nil {
		return err
	}
	return s.validator.ValidateRecordSet(orgs)
}

// Merge validates each incoming organization, drops the invalid ones and
// merges the rest into existing.
func (s *MergeService) Merge(existing, incoming []model.Organization) []model.Organization {
	valid := make([]model.Organization, 0, len(incoming))
	for _, org := range incoming {
		if err := s.validator.ValidateOrganization(org); err != nil {
			if s.metrics != nil {
				s.metrics.SkippedRecordsTotal.Inc()
			}
			s.logger.Warn("Skipping invalid incoming record",
				zap.String("organization_id", org.ID),
				zap.Error(err))
			continue
		}
		valid = append(valid, org)
	}

	if s.metrics != nil {
		s.metrics.MergedRecordsTotal.Add(float64(len(valid)))
	}

	return MergeOrganizations(existing, valid)
}
