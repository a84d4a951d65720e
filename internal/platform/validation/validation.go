// Package validation wires go-playground/validator into echo and adds the
// tags the API needs: meetlink, hhmm and date.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/apperr"
)

var meetLinkRe = regexp.MustCompile(`^https?://meet\.google\.com/[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

// IsMeetLink reports whether s is a Google Meet room URL.
func IsMeetLink(s string) bool {
	return meetLinkRe.MatchString(s)
}

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("meetlink", func(fl validator.FieldLevel) bool {
		return IsMeetLink(fl.Field().String())
	})
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("15:04", fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("2006-01-02", fl.Field().String())
		return err == nil
	})

	return &Validator{v: v}
}

// Validate returns an apperr VALIDATION error describing the first failing
// fields.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("INVALID_REQUEST", err.Error())
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return apperr.Validation("INVALID_REQUEST", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "meetlink":
		return field + " must be a Google Meet link like https://meet.google.com/abc-defg-hij"
	case "hhmm":
		return field + " must be a time in HH:MM format"
	case "date":
		return field + " must be a date in YYYY-MM-DD format"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be after %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// BindAndValidate binds the request into v and validates it. The returned
// error is ready to be returned from a handler.
func BindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.HTTPError(apperr.Validation("INVALID_BODY", "invalid request body"))
	}
	if c.Echo().Validator == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "validator not configured")
	}
	if err := c.Validate(v); err != nil {
		return apperr.HTTPError(err)
	}
	return nil
}
