package app

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/go-playground/validator/v10"

	"marginalia/internal/anchor"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validatorInstance returns the shared validator. Field names in errors are
// the json tag names.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = v.RegisterValidation("maxutf16", maxUTF16)
		validate = v
	})
	return validate
}

// maxUTF16 limits a string by UTF-16 code units, the unit browsers count
// display names in. An astral character such as an emoji counts twice.
func maxUTF16(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return utf16Len(fl.Field().String()) <= limit
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func isSizeTag(tag string) bool {
	return tag == "max" || tag == "maxutf16"
}

// checkSubmission validates cheapest-first: required fields, then sizes, then
// selector completeness. It never touches the network or the store.
func checkSubmission(sub Submission, reply bool) (anchor.Envelope, error) {
	if err := validatorInstance().Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return anchor.Envelope{}, invalidInput(err.Error())
		}
		if e := firstFailure(verrs, isShapeTag); e != nil {
			return anchor.Envelope{}, invalidInput("missing " + e.Field())
		}
		if e := firstFailure(verrs, isSizeTag); e != nil {
			if e.Field() == "display_name" {
				return anchor.Envelope{}, domainError(http.StatusBadRequest, CodeTooLong, "display_name is too long")
			}
			return anchor.Envelope{}, invalidInput(e.Field() + " is too long")
		}
		return anchor.Envelope{}, invalidInput(verrs[0].Field() + " is invalid")
	}
	if reply && (sub.ParentID == nil || *sub.ParentID <= 0) {
		return anchor.Envelope{}, invalidInput("missing parent_id")
	}

	env, err := anchor.Parse(sub.Selectors)
	switch {
	case errors.Is(err, anchor.ErrMissingSelector):
		return anchor.Envelope{}, domainError(http.StatusBadRequest, CodeMissingSelector, "selectors need a TextQuoteSelector and a TextPositionSelector")
	case err != nil:
		return anchor.Envelope{}, invalidInput("malformed selectors")
	}
	return env, nil
}

func isShapeTag(tag string) bool {
	return tag == "required"
}

func firstFailure(verrs validator.ValidationErrors, match func(tag string) bool) validator.FieldError {
	for _, e := range verrs {
		if match(e.Tag()) {
			return e
		}
	}
	return nil
}
