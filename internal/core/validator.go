package core

import (
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"snapfarm/internal/types"
)

// Validator wraps go-playground/validator and translates its field errors into
// the platform's AppError taxonomy so handlers return consistent 400 payloads.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator. JSON tag names are used in error
// details so that clients see the wire field name, not the Go field name.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates dst against its struct tags. The first violation is
// returned as a typed AppError:
//   - "required" failures map to validation_missing_field.
//   - "min"/"max"/"oneof" failures map to validation_out_of_range.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fe := validationErrs[0]
	field := fe.Field()
	if field == "" {
		field = fe.StructField()
	}

	switch fe.Tag() {
	case "required":
		return types.MissingField(field)
	case "min", "max", "oneof":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationOutOfRange,
			"field "+field+" fails constraint "+fe.Tag()+"="+fe.Param(),
			nil,
			map[string]any{"field": field, "constraint": fe.Tag(), "param": fe.Param()},
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationOutOfRange,
			"field "+field+" is invalid",
			nil,
			map[string]any{"field": field, "constraint": fe.Tag()},
		)
	}
}
