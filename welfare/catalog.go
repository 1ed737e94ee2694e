/*
Package welfare provides pre-built benefit sub-type configurations.

PURPOSE:
  Ready-to-use sub-types for a typical member welfare fund. These are
  starting points; deployments override or extend them with a JSON
  catalog file (see factory/subtype.go).

AVAILABLE SUB-TYPES:
  FuneralAid:        Fixed sum per incident, yearly claim count cap
  Inpatient:         Per night, per-request and yearly amount caps
  Outpatient:        Receipt amount (declared), per-request and yearly caps
  MarriageGift:      Fixed sum, once per lifetime
  NewbornGift:       Fixed sum per child, lifetime claim count cap
  DisasterRelief:    Fixed sum, yearly and lifetime amount caps

CATEGORIES:
  family, medical, relief

EXAMPLE:
  for _, st := range welfare.DefaultCatalog() {
      store.PutSubType(ctx, st)
  }

  // Customize
  st := welfare.Inpatient(benefit.Money(800), benefit.Money(8000), benefit.Money(40000))

SEE ALSO:
  - benefit/types.go: SubType definition
  - factory/subtype.go: JSON-based sub-type creation
*/
package welfare

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-engine/benefit"
)

const (
	CategoryFamily  benefit.CategoryID = "family"
	CategoryMedical benefit.CategoryID = "medical"
	CategoryRelief  benefit.CategoryID = "relief"
)

// =============================================================================
// FAMILY
// =============================================================================

// FuneralAid pays amount per death in the family, at most maxPerYear times a year.
func FuneralAid(amount decimal.Decimal, maxPerYear int) benefit.SubType {
	return benefit.SubType{
		ID:         "funeral",
		CategoryID: CategoryFamily,
		Name:       "Funeral aid",
		Method:     benefit.AccrualPerIncident,
		BaseAmount: amount,
		Limits:     benefit.Limits{MaxClaimsPerYear: benefit.CountPtr(maxPerYear)},
		Active:     true,
	}
}

// MarriageGift is a one-time payment.
func MarriageGift(amount decimal.Decimal) benefit.SubType {
	return benefit.SubType{
		ID:         "marriage",
		CategoryID: CategoryFamily,
		Name:       "Marriage gift",
		Method:     benefit.AccrualPerIncident,
		BaseAmount: amount,
		Limits:     benefit.Limits{MaxLifetimeClaims: benefit.CountPtr(1)},
		Active:     true,
	}
}

// NewbornGift pays per child, for at most maxChildren children.
func NewbornGift(amount decimal.Decimal, maxChildren int) benefit.SubType {
	return benefit.SubType{
		ID:         "newborn",
		CategoryID: CategoryFamily,
		Name:       "Newborn gift",
		Method:     benefit.AccrualPerIncident,
		BaseAmount: amount,
		Limits:     benefit.Limits{MaxLifetimeClaims: benefit.CountPtr(maxChildren)},
		Active:     true,
	}
}

// =============================================================================
// MEDICAL
// =============================================================================

// Inpatient pays perNight for each night in hospital.
func Inpatient(perNight, maxPerRequest, maxPerYear decimal.Decimal) benefit.SubType {
	return benefit.SubType{
		ID:         "inpatient",
		CategoryID: CategoryMedical,
		Name:       "Inpatient (per night)",
		Method:     benefit.AccrualPerUnit,
		BaseAmount: perNight,
		UnitLabel:  "night",
		Limits: benefit.Limits{
			MaxPerRequest:    &maxPerRequest,
			MaxAmountPerYear: &maxPerYear,
		},
		Active: true,
	}
}

// Outpatient reimburses the receipt total up to maxPerRequest per visit.
func Outpatient(maxPerRequest, maxPerYear decimal.Decimal) benefit.SubType {
	return benefit.SubType{
		ID:                  "outpatient",
		CategoryID:          CategoryMedical,
		Name:                "Outpatient reimbursement",
		Method:              benefit.AccrualFlatSum,
		BaseAmount:          maxPerRequest,
		AllowDeclaredAmount: true,
		Limits: benefit.Limits{
			MaxPerRequest:    &maxPerRequest,
			MaxAmountPerYear: &maxPerYear,
		},
		Active: true,
	}
}

// =============================================================================
// RELIEF
// =============================================================================

// DisasterRelief pays a fixed sum per disaster, capped per year and per lifetime.
func DisasterRelief(amount, maxPerYear, maxLifetime decimal.Decimal) benefit.SubType {
	return benefit.SubType{
		ID:         "disaster",
		CategoryID: CategoryRelief,
		Name:       "Disaster relief",
		Method:     benefit.AccrualPerIncident,
		BaseAmount: amount,
		Limits: benefit.Limits{
			MaxAmountPerYear:  &maxPerYear,
			MaxLifetimeAmount: &maxLifetime,
		},
		Active: true,
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// DefaultCatalog is the preset fund configuration.
func DefaultCatalog() []benefit.SubType {
	return []benefit.SubType{
		FuneralAid(benefit.Money(10000), 2),
		Inpatient(benefit.Money(500), benefit.Money(5000), benefit.Money(20000)),
		Outpatient(benefit.Money(1500), benefit.Money(10000)),
		MarriageGift(benefit.Money(2000)),
		NewbornGift(benefit.Money(2000), 3),
		DisasterRelief(benefit.Money(2000), benefit.Money(10000), benefit.Money(20000)),
	}
}

// Seeder writes sub-types to a store.
type Seeder interface {
	GetSubType(ctx context.Context, id benefit.SubTypeID) (*benefit.SubType, error)
	PutSubType(ctx context.Context, st benefit.SubType) error
}

// Seed stores every sub-type that does not exist yet. Existing rows are
// left alone so admin edits survive restarts. Returns how many were added.
func Seed(ctx context.Context, s Seeder, catalog []benefit.SubType) (int, error) {
	added := 0
	for _, st := range catalog {
		if err := st.Validate(); err != nil {
			return added, fmt.Errorf("sub-type %s: %w", st.ID, err)
		}
		_, err := s.GetSubType(ctx, st.ID)
		if err == nil {
			continue
		}
		if !benefit.IsNotFound(err) {
			return added, err
		}
		if err := s.PutSubType(ctx, st); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
