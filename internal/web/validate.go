package web

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bankledger/internal/fault"
)

var numberPattern = regexp.MustCompile(`^\d+$`)

func newValidator() *validator.Validate {
	v := validator.New()

	// report json field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// decimals are validated through their string form
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	_ = v.RegisterValidation("nonnegative_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})
	_ = v.RegisterValidation("account_number", func(fl validator.FieldLevel) bool {
		return numberPattern.MatchString(fl.Field().String())
	})

	return v
}

// validate returns a BadRequest fault describing the first invalid field
func (s *Server) validate(v interface{}) error {
	err := s.validator.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fault.Wrap(fault.KindBadRequest, err, "invalid request")
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fault.BadRequest("%s is required", fe.Field())
	case "positive_decimal":
		return fault.BadRequest("%s must be a positive number", fe.Field())
	case "nonnegative_decimal":
		return fault.BadRequest("%s must not be negative", fe.Field())
	case "account_number":
		return fault.BadRequest("%s must contain only digits", fe.Field())
	default:
		return fault.BadRequest("%s is invalid", fe.Field())
	}
}
