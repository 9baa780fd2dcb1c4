// Package validate is the single field validator shared by every artifact
// builder. Rules are declared as struct tags and evaluated by
// go-playground/validator with a handful of domain-specific tags:
//
//	artifactid  non-empty id matching ^[A-Za-z0-9:_-]+$, at most 200 chars
//	sha256hex   64 lowercase hex characters
//	isodate     ISO-8601 / RFC 3339 timestamp
//	currency    ISO-4217-like upper-case code (USD, USDC, ...)
//	reasoncode  ^[A-Z0-9_]{2,64}$
//	cents       integer amount in [0, MaxCents]
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput is wrapped by every FieldError.
var ErrInvalidInput = errors.New("invalid input")

// FieldError identifies the first field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidInput }

// Fieldf builds a FieldError with a formatted reason.
func Fieldf(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var (
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
	hashPattern     = regexp.MustCompile(`^[0-9a-f]{64}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,11}$`)
	reasonPattern   = regexp.MustCompile(`^[A-Z0-9_]{2,64}$`)
)

const maxIDLength = 200

// MaxCents is the largest amount that survives canonical hashing (2^53-1).
// Bounding amounts here also keeps amount*rate/100 inside int64.
const MaxCents int64 = 1<<53 - 1

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		mustRegister(v, "artifactid", func(fl validator.FieldLevel) bool { return IsID(fl.Field().String()) })
		mustRegister(v, "sha256hex", func(fl validator.FieldLevel) bool { return IsHash(fl.Field().String()) })
		mustRegister(v, "isodate", func(fl validator.FieldLevel) bool {
			_, err := ParseISODate(fl.Field().String())
			return err == nil
		})
		mustRegister(v, "currency", func(fl validator.FieldLevel) bool { return currencyPattern.MatchString(fl.Field().String()) })
		mustRegister(v, "reasoncode", func(fl validator.FieldLevel) bool { return IsReasonCode(fl.Field().String()) })
		mustRegister(v, "cents", func(fl validator.FieldLevel) bool {
			n := fl.Field().Int()
			return n >= 0 && n <= MaxCents
		})
		instance = v
	})
	return instance
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validate: register %s: %v", tag, err))
	}
}

// Struct validates s against its `validate` tags and returns a *FieldError
// naming the first failing field.
func Struct(s any) error {
	err := get().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &FieldError{Field: fieldPath(fe.Namespace()), Reason: describe(fe)}
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

// fieldPath drops the leading struct type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "artifactid":
		return "must match ^[A-Za-z0-9:_-]+$ and be at most 200 characters"
	case "sha256hex":
		return "must be a 64-character lowercase hex sha256"
	case "isodate":
		return "must be an ISO-8601 timestamp"
	case "currency":
		return "must be an upper-case currency code"
	case "reasoncode":
		return "must match ^[A-Z0-9_]{2,64}$"
	case "cents":
		return "must be an integer between 0 and 9007199254740991"
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "min", "gte":
		return "must be >= " + fe.Param()
	case "max", "lte":
		return "must be <= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "eq":
		return "must equal " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// IsID reports whether s is a valid artifact identifier.
func IsID(s string) bool {
	return s != "" && len(s) <= maxIDLength && idPattern.MatchString(s)
}

// IsHash reports whether s is a lowercase hex sha256 digest.
func IsHash(s string) bool { return hashPattern.MatchString(s) }

// IsReasonCode reports whether s is a valid reason code.
func IsReasonCode(s string) bool { return reasonPattern.MatchString(s) }

// ParseISODate accepts RFC 3339 timestamps with or without fractional seconds.
func ParseISODate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NormalizeISODate parses s and renders it in UTC with millisecond precision,
// the only timestamp form stored in artifacts.
func NormalizeISODate(field, s string) (string, error) {
	t, err := ParseISODate(s)
	if err != nil {
		return "", Fieldf(field, "must be an ISO-8601 timestamp")
	}
	return FormatTime(t), nil
}

// FormatTime renders t as YYYY-MM-DDTHH:MM:SS.mmmZ.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Cents requires a non-negative integer amount no larger than MaxCents.
func Cents(field string, v int64) error {
	if v < 0 || v > MaxCents {
		return Fieldf(field, "must be an integer between 0 and %d", MaxCents)
	}
	return nil
}

// PositiveCents requires an amount in (0, MaxCents].
func PositiveCents(field string, v int64) error {
	if v <= 0 || v > MaxCents {
		return Fieldf(field, "must be an integer between 1 and %d", MaxCents)
	}
	return nil
}

// Percent requires a value in [0, 100].
func Percent(field string, v int) error {
	if v < 0 || v > 100 {
		return Fieldf(field, "must be between 0 and 100")
	}
	return nil
}

// ID validates a single identifier outside of a struct.
func ID(field, s string) error {
	if !IsID(s) {
		return Fieldf(field, "must match ^[A-Za-z0-9:_-]+$ and be at most 200 characters")
	}
	return nil
}

// Hash validates a single sha256 hex digest outside of a struct.
func Hash(field, s string) error {
	if !IsHash(s) {
		return Fieldf(field, "must be a 64-character lowercase hex sha256")
	}
	return nil
}
