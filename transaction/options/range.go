package options

import (
	"time"

	"github.com/shopspring/decimal"
)

// Range is an inclusive interval with optional bounds. The SQL repository
// binds From and To as query parameters; a missing bound reports false.
type Range interface {
	From() (interface{}, bool)
	To() (interface{}, bool)
}

var (
	_ Range = (*DecimalRange)(nil)
	_ Range = (*TimeRange)(nil)
)

// DecimalRange bounds transaction amounts
type DecimalRange struct {
	Low  *decimal.Decimal
	High *decimal.Decimal
}

func NewDecimalRange() *DecimalRange {
	return &DecimalRange{}
}

// bounds are bound as strings so NUMERIC comparisons keep full precision
func (r *DecimalRange) From() (interface{}, bool) {
	if r.Low == nil {
		return nil, false
	}
	return r.Low.String(), true
}

func (r *DecimalRange) To() (interface{}, bool) {
	if r.High == nil {
		return nil, false
	}
	return r.High.String(), true
}

// Contains reports whether d lies within the bounds that are set
func (r *DecimalRange) Contains(d decimal.Decimal) bool {
	return (r.Low == nil || !d.LessThan(*r.Low)) && (r.High == nil || !d.GreaterThan(*r.High))
}

// TimeRange bounds creation timestamps
type TimeRange struct {
	Low  *time.Time
	High *time.Time
}

func (r *TimeRange) From() (interface{}, bool) {
	if r.Low == nil {
		return nil, false
	}
	return *r.Low, true
}

func (r *TimeRange) To() (interface{}, bool) {
	if r.High == nil {
		return nil, false
	}
	return *r.High, true
}

func (r *TimeRange) Contains(t time.Time) bool {
	return (r.Low == nil || !t.Before(*r.Low)) && (r.High == nil || !t.After(*r.High))
}
