// This file holds the request DTOs and the helpers that decode and validate
// them.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"payflow/internal/core"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 12
	maxHistoryLimit     = 120
)

var prefKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("prefkey", func(fl validator.FieldLevel) bool {
		return prefKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

type itemRequest struct {
	Title     string         `json:"title" validate:"required,max=200"`
	Amount    *core.Money    `json:"amount" validate:"required"`
	Direction core.Direction `json:"direction" validate:"required,oneof=INCOME EXPENSE"`
	DueDay    int            `json:"dueDay" validate:"required,min=1,max=31"`
	Category  string         `json:"category" validate:"max=100"`
}

func (req *itemRequest) normalize() {
	req.Title = sanitizeInput(req.Title)
	req.Category = sanitizeInput(req.Category)
}

func (req itemRequest) fields() core.ItemFields {
	f := core.ItemFields{
		Title:     req.Title,
		Direction: req.Direction,
		DueDay:    req.DueDay,
		Category:  req.Category,
	}
	if req.Amount != nil {
		f.Amount = *req.Amount
	}
	return f
}

type preferenceRequest struct {
	Value string `json:"value" validate:"required,max=64"`
}

type identityRequest struct {
	Credential string `json:"credential" validate:"required_without=Demo,max=4096"`
	Demo       bool   `json:"demo"`
}

// bindJSON decodes and validates the request body into dst. It writes the
// error response itself and reports whether the handler may continue.
func bindJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	if n, ok := dst.(interface{ normalize() }); ok {
		n.normalize()
	}
	if err := validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, core.ErrInvalidAmount), errors.Is(err, core.ErrNegativeAmount):
		ValidationErrorResponse(map[string]string{"amount": err.Error()}).Write(w)
	case errors.Is(err, core.ErrInvalidDirection):
		ValidationErrorResponse(map[string]string{"direction": err.Error()}).Write(w)
	default:
		writeError(w, http.StatusBadRequest, "invalid JSON body")
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		fields[fe.Field()] = validationMessage(fe)
	}
	ValidationErrorResponse(fields).Write(w)
}

// validationMessage turns a validator error into text for API clients.
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s cannot be greater than %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "prefkey":
		return fmt.Sprintf("%s must be lowercase letters, digits, '-' or '_'", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// domainFieldErrors maps core validation failures to API fields.
func domainFieldErrors(err error) map[string]string {
	switch {
	case errors.Is(err, core.ErrEmptyTitle), errors.Is(err, core.ErrTitleTooLong):
		return map[string]string{"title": err.Error()}
	case errors.Is(err, core.ErrNegativeAmount):
		return map[string]string{"amount": err.Error()}
	case errors.Is(err, core.ErrInvalidDirection):
		return map[string]string{"direction": err.Error()}
	case errors.Is(err, core.ErrInvalidDueDay):
		return map[string]string{"dueDay": err.Error()}
	default:
		return map[string]string{"item": err.Error()}
	}
}

// parseDirection reads the direction filter. An empty value selects every
// item.
func parseDirection(query url.Values) (core.Direction, bool, error) {
	v := strings.ToUpper(strings.TrimSpace(query.Get("direction")))
	switch v {
	case "":
		return "", false, nil
	case "INCOME", "RECEIVE":
		return core.Income, true, nil
	case "EXPENSE", "PAY":
		return core.Expense, true, nil
	default:
		return "", false, fmt.Errorf("%w: %q", core.ErrInvalidDirection, query.Get("direction"))
	}
}

// parseLimit reads the limit query parameter, clamped to [1, max].
func parseLimit(query url.Values, def, max int) int {
	v := strings.TrimSpace(query.Get("limit"))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
