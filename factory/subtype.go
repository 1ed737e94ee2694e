/*
Package factory provides JSON to Go sub-type conversion.

PURPOSE:
  Converts JSON benefit sub-type definitions into benefit.SubType values.
  Welfare officers edit a catalog file or call the admin API; the factory
  validates the document and produces the Go struct the engine uses.

JSON SCHEMA:
  {
    "id": "inpatient",
    "category_id": "medical",
    "name": "Inpatient (per night)",
    "method": "per_unit",
    "base_amount": "500",
    "unit_label": "night",
    "limits": {
      "max_per_request": "5000",
      "max_amount_per_year": "20000"
    },
    "active": true
  }

  Amounts are decimal strings. An omitted limit means uncapped on that
  axis; "0" is a real cap.

USAGE:
  st, err := factory.ParseSubType(jsonString)
  catalog, err := factory.ParseCatalog(jsonArray)

SEE ALSO:
  - benefit/types.go: SubType definition
  - welfare/catalog.go: Preset sub-types
*/
package factory

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/welfare-engine/benefit"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SubTypeJSON is the JSON representation of a sub-type.
type SubTypeJSON struct {
	ID                  string      `json:"id" validate:"required,max=64"`
	CategoryID          string      `json:"category_id" validate:"max=64"`
	Name                string      `json:"name" validate:"required,max=255"`
	Method              string      `json:"method" validate:"required,oneof=flat_sum per_unit per_incident"`
	BaseAmount          string      `json:"base_amount" validate:"required,nonnegative_amount"`
	UnitLabel           string      `json:"unit_label,omitempty" validate:"max=32"`
	AllowDeclaredAmount bool        `json:"allow_declared_amount,omitempty"`
	Limits              *LimitsJSON `json:"limits,omitempty"`
	Active              *bool       `json:"active,omitempty"` // default true
}

// LimitsJSON represents the optional caps.
type LimitsJSON struct {
	MaxPerRequest     *string `json:"max_per_request,omitempty" validate:"omitempty,nonnegative_amount"`
	MaxAmountPerYear  *string `json:"max_amount_per_year,omitempty" validate:"omitempty,nonnegative_amount"`
	MaxClaimsPerYear  *int    `json:"max_claims_per_year,omitempty" validate:"omitempty,min=0"`
	MaxLifetimeAmount *string `json:"max_lifetime_amount,omitempty" validate:"omitempty,nonnegative_amount"`
	MaxLifetimeClaims *int    `json:"max_lifetime_claims,omitempty" validate:"omitempty,min=0"`
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the amount rules registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		v.RegisterValidation("nonnegative_amount", func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			return err == nil && !d.IsNegative()
		})
		v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			return err == nil && d.IsPositive()
		})
		validate = v
	})
	return validate
}

// ValidateStruct validates payload and reports the first failing field as
// a *benefit.InvalidInputError.
func ValidateStruct(payload any) error {
	err := Validator().Struct(payload)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return &benefit.InvalidInputError{Field: fe.Field(), Message: describe(fe)}
	}
	return fmt.Errorf("%w: %v", benefit.ErrInvalidInput, err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "nonnegative_amount":
		return "must be a non-negative decimal amount"
	case "positive_amount":
		return "must be a positive decimal amount"
	}
	return "failed " + fe.Tag()
}

// =============================================================================
// CONVERSION
// =============================================================================

// ParseSubType parses a JSON string into a SubType.
func ParseSubType(jsonStr string) (benefit.SubType, error) {
	var sj SubTypeJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return benefit.SubType{}, fmt.Errorf("%w: failed to parse sub-type JSON: %v", benefit.ErrInvalidInput, err)
	}
	return FromJSON(sj)
}

// ParseCatalog parses a JSON array of sub-types. IDs must be unique.
func ParseCatalog(data []byte) ([]benefit.SubType, error) {
	var list []SubTypeJSON
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: failed to parse catalog JSON: %v", benefit.ErrInvalidInput, err)
	}

	seen := make(map[string]bool, len(list))
	out := make([]benefit.SubType, 0, len(list))
	for i, sj := range list {
		if seen[sj.ID] {
			return nil, &benefit.InvalidInputError{Field: "id", Message: fmt.Sprintf("duplicate sub-type %q", sj.ID)}
		}
		seen[sj.ID] = true

		st, err := FromJSON(sj)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// FromJSON validates sj and converts it to benefit.SubType.
func FromJSON(sj SubTypeJSON) (benefit.SubType, error) {
	if err := ValidateStruct(sj); err != nil {
		return benefit.SubType{}, err
	}

	st := benefit.SubType{
		ID:                  benefit.SubTypeID(sj.ID),
		CategoryID:          benefit.CategoryID(sj.CategoryID),
		Name:                sj.Name,
		Method:              benefit.AccrualMethod(sj.Method),
		BaseAmount:          decimal.RequireFromString(sj.BaseAmount),
		UnitLabel:           sj.UnitLabel,
		AllowDeclaredAmount: sj.AllowDeclaredAmount,
		Active:              sj.Active == nil || *sj.Active,
	}
	if sj.Limits != nil {
		st.Limits = benefit.Limits{
			MaxPerRequest:     parseAmount(sj.Limits.MaxPerRequest),
			MaxAmountPerYear:  parseAmount(sj.Limits.MaxAmountPerYear),
			MaxClaimsPerYear:  sj.Limits.MaxClaimsPerYear,
			MaxLifetimeAmount: parseAmount(sj.Limits.MaxLifetimeAmount),
			MaxLifetimeClaims: sj.Limits.MaxLifetimeClaims,
		}
	}

	if err := st.Validate(); err != nil {
		return benefit.SubType{}, err
	}
	return st, nil
}

// ToJSON converts a SubType to SubTypeJSON.
func ToJSON(st benefit.SubType) SubTypeJSON {
	active := st.Active
	sj := SubTypeJSON{
		ID:                  string(st.ID),
		CategoryID:          string(st.CategoryID),
		Name:                st.Name,
		Method:              string(st.Method),
		BaseAmount:          st.BaseAmount.String(),
		UnitLabel:           st.UnitLabel,
		AllowDeclaredAmount: st.AllowDeclaredAmount,
		Active:              &active,
	}

	l := st.Limits
	if l.MaxPerRequest != nil || l.MaxAmountPerYear != nil || l.MaxClaimsPerYear != nil ||
		l.MaxLifetimeAmount != nil || l.MaxLifetimeClaims != nil {
		sj.Limits = &LimitsJSON{
			MaxPerRequest:     formatAmount(l.MaxPerRequest),
			MaxAmountPerYear:  formatAmount(l.MaxAmountPerYear),
			MaxClaimsPerYear:  l.MaxClaimsPerYear,
			MaxLifetimeAmount: formatAmount(l.MaxLifetimeAmount),
			MaxLifetimeClaims: l.MaxLifetimeClaims,
		}
	}
	return sj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// parseAmount expects a string that already passed nonnegative_amount.
func parseAmount(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := decimal.RequireFromString(*s)
	return &d
}

func formatAmount(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
