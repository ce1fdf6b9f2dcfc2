package auth

import (
	"context"
	"database/sql"
	"errors"

	masterdatarepo "tutorbill/internal/masterdata/infrastructure/postgres"
)

var (
	// ErrTenantMismatch indicates resource belongs to a different tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("resource not found")
)

// GuardianTenantChecker validates guardian tenant ownership.
type GuardianTenantChecker interface {
	EnsureGuardianTenant(ctx context.Context, tenantID, guardianID string) error
}

// GuardianChecker checks guardian ownership using master data.
type GuardianChecker struct {
	repo *masterdatarepo.GuardianRepository
}

// NewGuardianChecker constructs a GuardianChecker.
func NewGuardianChecker(db *sql.DB) *GuardianChecker {
	if db == nil {
		return nil
	}
	return &GuardianChecker{repo: masterdatarepo.NewGuardianRepository(db)}
}

// EnsureGuardianTenant verifies a guardian belongs to the tenant.
func (c *GuardianChecker) EnsureGuardianTenant(ctx context.Context, tenantID, guardianID string) error {
	if c == nil || c.repo == nil {
		return nil
	}
	if tenantID == "" || guardianID == "" {
		return nil
	}
	guardian, err := c.repo.Get(ctx, guardianID)
	if err != nil {
		return err
	}
	if guardian == nil {
		return ErrNotFound
	}
	if guardian.TenantID != tenantID {
		return ErrTenantMismatch
	}
	return nil
}
