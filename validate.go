package gatekeeper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/gatekeeper/scope"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("scope", func(fl validator.FieldLevel) bool { //nolint:errcheck // tag name is static
		return scope.Scope(fl.Field().String()).Valid()
	})
	return v
}

// validateStruct runs struct-tag validation and wraps failures in
// ErrMalformedRequest.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrMalformedRequest, strings.Join(msgs, "; "))
}
