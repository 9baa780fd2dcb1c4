// Package canonical implements the deterministic JSON serialization that every
// hash and signature in the settlement kernel is computed over.
//
// The output follows the JSON Canonicalization Scheme (RFC 8785): object keys
// are sorted by UTF-16 code units, numbers use the ECMAScript shortest
// round-trip form, strings use minimal escaping and no insignificant
// whitespace is emitted. Two independent implementations fed the same logical
// content produce the same bytes, so hashes are portable across languages.
//
// Go values are first normalized into a plain tree of map[string]any, []any,
// string, bool, nil and json.Number. Struct values pass through encoding/json
// first, which means fields tagged omitempty behave like absent keys and nil
// pointers without omitempty become null.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

var (
	// ErrNonFinite is returned for NaN and ±Inf.
	ErrNonFinite = errors.New("non-finite number")
	// ErrNegativeZero is returned for -0, which has no portable encoding.
	ErrNegativeZero = errors.New("negative zero")
	// ErrUnsafeInteger is returned for integers outside ±(2^53-1).
	ErrUnsafeInteger = errors.New("integer outside safe range")
	// ErrInvalidUTF8 is returned for strings or keys that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid utf-8")
	// ErrUnsupportedType is returned for values with no JSON representation.
	ErrUnsupportedType = errors.New("unsupported type")
)

const maxSafeInteger = 1<<53 - 1

// Error locates a normalization failure inside the input tree.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("canonical: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Normalize converts v into a canonical value tree.
func Normalize(v any) (any, error) {
	return normalize(v, "$")
}

func normalize(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if !utf8.ValidString(x) {
			return nil, &Error{Path: path, Err: ErrInvalidUTF8}
		}
		return x, nil
	case bool:
		return x, nil
	case json.Number:
		return normalizeNumberText(string(x), path)
	case float64:
		return normalizeFloat(x, path)
	case float32:
		return normalizeFloat(float64(x), path)
	case int:
		return normalizeInt(int64(x), path)
	case int8:
		return normalizeInt(int64(x), path)
	case int16:
		return normalizeInt(int64(x), path)
	case int32:
		return normalizeInt(int64(x), path)
	case int64:
		return normalizeInt(x, path)
	case uint:
		return normalizeUint(uint64(x), path)
	case uint8:
		return normalizeUint(uint64(x), path)
	case uint16:
		return normalizeUint(uint64(x), path)
	case uint32:
		return normalizeUint(uint64(x), path)
	case uint64:
		return normalizeUint(x, path)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			if !utf8.ValidString(k) {
				return nil, &Error{Path: path, Err: ErrInvalidUTF8}
			}
			n, err := normalize(child, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			n, err := normalize(child, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.RawMessage:
		return normalizeJSON(x, path)
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, &Error{Path: path, Err: ErrUnsupportedType}
	}
	b, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, &Error{Path: path, Err: ErrNonFinite}
		}
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: %v", ErrUnsupportedType, err)}
	}
	return normalizeJSON(b, path)
}

func normalizeJSON(b []byte, path string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: %v", ErrUnsupportedType, err)}
	}
	if dec.More() {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: trailing data", ErrUnsupportedType)}
	}
	return normalize(decoded, path)
}

func normalizeNumberText(s, path string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeInt(i, path)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: number %q", ErrUnsupportedType, s)}
	}
	if f == 0 && len(s) > 0 && s[0] == '-' {
		return nil, &Error{Path: path, Err: ErrNegativeZero}
	}
	return normalizeFloat(f, path)
}

func normalizeInt(i int64, path string) (any, error) {
	if i > maxSafeInteger || i < -maxSafeInteger {
		return nil, &Error{Path: path, Err: ErrUnsafeInteger}
	}
	return json.Number(strconv.FormatInt(i, 10)), nil
}

func normalizeUint(u uint64, path string) (any, error) {
	if u > maxSafeInteger {
		return nil, &Error{Path: path, Err: ErrUnsafeInteger}
	}
	return json.Number(strconv.FormatUint(u, 10)), nil
}

func normalizeFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &Error{Path: path, Err: ErrNonFinite}
	}
	if f == 0 && math.Signbit(f) {
		return nil, &Error{Path: path, Err: ErrNegativeZero}
	}
	if f == math.Trunc(f) && math.Abs(f) > maxSafeInteger && math.Abs(f) < 1e21 {
		return nil, &Error{Path: path, Err: ErrUnsafeInteger}
	}
	return json.Number(formatNumber(f)), nil
}

// formatNumber renders f the way ECMAScript Number.prototype.toString does.
// Go's shortest 'e'/'f' formatting already yields the same digits; only the
// exponent spelling differs.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if format == 'e' {
		// "1e-07" -> "1e-7"
		n := len(s)
		if n >= 4 && s[n-4] == 'e' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	return s
}

// Stringify normalizes v and returns its canonical JSON text.
func Stringify(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Marshal normalizes v and returns its canonical JSON bytes.
func Marshal(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeValue(&buf, n)
	return buf.Bytes(), nil
}

// HashHex returns the lowercase hex SHA-256 of the canonical bytes of v.
func HashHex(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeValue(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(x))
	case string:
		writeString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, x[k])
		}
		buf.WriteByte('}')
	}
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
