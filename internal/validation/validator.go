package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mawiseman/portal-sync/internal/errors"
	"github.com/mawiseman/portal-sync/internal/model"
)

const (
	// Size limits
	MaxIDSize         = 256
	MaxNameSize       = 512
	MaxCustomNameSize = 128
	MaxURLSize        = 2048
	MaxActions        = 50
)

// Validator validates organization/tenant records before they are merged or
// persisted.
type Validator struct {
	maxIDSize         int
	maxNameSize       int
	maxCustomNameSize int
	maxURLSize        int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxIDSize:         MaxIDSize,
		maxNameSize:       MaxNameSize,
		maxCustomNameSize: MaxCustomNameSize,
		maxURLSize:        MaxURLSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxNameSize, maxCustomNameSize, maxURLSize int) *Validator {
	return &Validator{
		maxIDSize:         maxIDSize,
		maxNameSize:       maxNameSize,
		maxCustomNameSize: maxCustomNameSize,
		maxURLSize:        maxURLSize,
	}
}

// ValidateOrganization validates a single organization record, including its
// nested groups and tenants.
func (v *Validator) ValidateOrganization(org model.Organization) error {
	if err := v.validateID("organization id", org.ID); err != nil {
		return err
	}
	if err := v.validateName("organization name", org.Name); err != nil {
		return err
	}
	if err := v.ValidateCustomName(org.CustomName); err != nil {
		return err
	}
	if err := v.validateURL("organization url", org.URL); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(org.Groups))
	for _, group := range org.Groups {
		if err := v.ValidateGroup(group); err != nil {
			return err
		}
		if _, dup := seen[group.ID]; dup {
			return errors.Validation(
				fmt.Sprintf("duplicate group id %q in organization %q", group.ID, org.ID), nil)
		}
		seen[group.ID] = struct{}{}
	}
	return nil
}

// ValidateGroup validates a product group and its tenants.
func (v *Validator) ValidateGroup(group model.ProductGroup) error {
	if err := v.validateID("group id", group.ID); err != nil {
		return err
	}
	if err := v.validateName("group name", group.Name); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(group.Tenants))
	for _, tenant := range group.Tenants {
		if err := v.ValidateTenant(tenant); err != nil {
			return err
		}
		if _, dup := seen[tenant.ID]; dup {
			return errors.Validation(
				fmt.Sprintf("duplicate tenant id %q in group %q", tenant.ID, group.ID), nil)
		}
		seen[tenant.ID] = struct{}{}
	}
	return nil
}

// ValidateTenant validates a tenant record.
func (v *Validator) ValidateTenant(tenant model.Tenant) error {
	if err := v.validateID("tenant id", tenant.ID); err != nil {
		return err
	}
	if err := v.validateName("tenant name", tenant.Name); err != nil {
		return err
	}
	if err := v.ValidateCustomName(tenant.CustomName); err != nil {
		return err
	}
	if err := v.validateURL("tenant url", tenant.URL); err != nil {
		return err
	}
	if len(tenant.Actions) > MaxActions {
		return errors.Validation(
			fmt.Sprintf("tenant %q has too many actions: %d > %d", tenant.ID, len(tenant.Actions), MaxActions), nil)
	}
	for _, action := range tenant.Actions {
		if err := v.validateName("action name", action.Name); err != nil {
			return err
		}
		if err := v.validateURL("action url", action.URL); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRecordSet validates a whole organization collection, rejecting
// duplicate organization ids. Used as the whole-payload validator inside
// atomic updates.
func (v *Validator) ValidateRecordSet(orgs []model.Organization) error {
	seen := make(map[string]struct{}, len(orgs))
	for _, org := range orgs {
		if err := v.ValidateOrganization(org); err != nil {
			return err
		}
		if _, dup := seen[org.ID]; dup {
			return errors.Validation(fmt.Sprintf("duplicate organization id %q", org.ID), nil)
		}
		seen[org.ID] = struct{}{}
	}
	return nil
}

// ValidateCustomName validates a user-supplied custom display name. Empty is
// allowed (no customization).
func (v *Validator) ValidateCustomName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > v.maxCustomNameSize {
		return errors.Validation(
			fmt.Sprintf("custom name exceeds maximum size of %d bytes", v.maxCustomNameSize), nil)
	}
	if strings.Contains(name, "\x00") {
		return errors.Validation("custom name cannot contain null bytes", nil)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.Validation("custom name cannot contain control characters", nil)
		}
	}
	return nil
}

func (v *Validator) validateID(field, id string) error {
	if id == "" {
		return errors.Validation(field+" cannot be empty", nil)
	}
	if len(id) > v.maxIDSize {
		return errors.Validation(
			fmt.Sprintf("%s exceeds maximum size of %d bytes", field, v.maxIDSize), nil)
	}
	if strings.Contains(id, "\x00") {
		return errors.Validation(field+" cannot contain null bytes", nil)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.Validation(field+" cannot contain control characters", nil)
		}
	}
	return nil
}

func (v *Validator) validateName(field, name string) error {
	if name == "" {
		return errors.Validation(field+" cannot be empty", nil)
	}
	if len(name) > v.maxNameSize {
		return errors.Validation(
			fmt.Sprintf("%s exceeds maximum size of %d bytes", field, v.maxNameSize), nil)
	}
	if strings.Contains(name, "\x00") {
		return errors.Validation(field+" cannot contain null bytes", nil)
	}
	return nil
}

func (v *Validator) validateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > v.maxURLSize {
		return errors.Validation(
			fmt.Sprintf("%s exceeds maximum size of %d bytes", field, v.maxURLSize), nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Validation(fmt.Sprintf("%s is not a valid URL", field), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Validation(
			fmt.Sprintf("%s must use http or https, got %q", field, u.Scheme), nil)
	}
	return nil
}

// SanitizeCustomName strips control characters from a user-supplied custom
// name and caps its length. Useful when handling raw user input.
func SanitizeCustomName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	sanitized = strings.TrimSpace(sanitized)

	if len(sanitized) > MaxCustomNameSize {
		cut := MaxCustomNameSize
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = sanitized[:cut]
	}
	return sanitized
}
