package issuer

import (
	"context"
	"errors"
	"fmt"

	"credmint/internal/issuance/models"
	"credmint/pkg/platform/sentinel"
)

// Creator is satisfied by both issuer stores.
type Creator interface {
	Create(ctx context.Context, issuer *models.Issuer) error
}

// SeedBootstrapIssuer creates issuerID with the given credits. An issuer that
// already exists is left untouched.
func SeedBootstrapIssuer(ctx context.Context, store Creator, issuerID string, credits int64) error {
	err := store.Create(ctx, &models.Issuer{ID: issuerID, Name: issuerID, ServiceCredits: credits})
	if err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("seed issuer %s: %w", issuerID, err)
	}
	return nil
}
