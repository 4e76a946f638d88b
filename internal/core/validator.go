package core

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"streamdrop/internal/types"
)

// Validator wraps go-playground/validator and translates rule failures into
// structured AppErrors with per-field details.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct runs tag-based validation on dst. Failures come back as a
// single validation AppError carrying one detail entry per failed field.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var valErrs validator.ValidationErrors
	if !errors.As(err, &valErrs) {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"validation could not be performed",
			err,
		)
	}

	details := make(map[string]any, len(valErrs))
	code := types.ErrCodeValidationInvalidValue
	for _, fe := range valErrs {
		field := strings.ToLower(fe.Field())
		details[field] = fe.Tag()
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
	}

	return types.NewAppErrorWithDetails(
		code,
		"request failed validation",
		err,
		details,
	)
}
