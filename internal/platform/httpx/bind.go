package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sharepool/sharepool/internal/shared"
)

// Bind decodes the JSON body into target and validates its struct tags.
// Failures come back as shared validation errors naming the first bad field.
func Bind(r *http.Request, validate *validator.Validate, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: invalid json body: %v", ErrBadRequest, err)
	}
	if validate == nil {
		return nil
	}
	if err := validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return shared.NewValidationError(strings.ToLower(fe.Field()), describe(fe))
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "dive":
		return "contains an invalid item"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
