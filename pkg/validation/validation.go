// Package validation holds the shared struct validator used at every
// boundary: decoded service responses, manifests and API requests.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"egcoord/pkg/errs"
)

var (
	instance *validator.Validate
	once     sync.Once

	phonePattern = regexp.MustCompile(`^(\+\d{1,2}\s)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}$`)
)

// Instance returns the process-wide validator. Field names in errors use
// the json tag so messages match the wire format.
func Instance() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return phonePattern.MatchString(fl.Field().String())
		})
		instance = v
	})
	return instance
}

// Struct validates v and reports the first failing field as an
// InvalidDefinitionError.
func Struct(v any) error {
	err := Instance().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &errs.InvalidDefinitionError{Field: fieldPath(fe), Message: describe(fe)}
	}
	return &errs.InvalidDefinitionError{Message: err.Error()}
}

// fieldPath strips the root struct name from the namespace
// ("Manifest.contests[0].name" -> "contests[0].name").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "max":
		return "exceeds maximum length " + fe.Param()
	case "gt", "gte", "min":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	case "ltefield":
		return "must not exceed " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "phone":
		return "must be a valid phone number"
	case "uri", "url":
		return "must be a valid URI"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
