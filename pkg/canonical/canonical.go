// Package canonical provides deterministic serialization of tool arguments
// for integrity hashing. The output follows RFC 8785 (JSON Canonicalization
// Scheme) conventions: lexicographically sorted object keys, no insignificant
// whitespace, shortest round-trip number rendering, and no HTML escaping.
//
// Unlike a general-purpose JSON encoder, the permitted input domain is closed:
// null, bool, finite numbers, NFC-normalized strings, sequences, and
// string-keyed maps. Anything else fails with *IntegrityError so that a
// proposal carrying an unserializable argument can never reach execution.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// IntegrityError reports input that has no canonical form.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "canonical: " + e.Reason
}

// Canonicalize returns the canonical serialization of v.
// It fails with *IntegrityError on NaN, infinities, cyclic structures,
// non-string map keys, or values outside the permitted set.
func Canonicalize(v any) (string, error) {
	var b strings.Builder
	seen := make(map[uintptr]bool)
	if err := marshal(&b, v, seen); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Hash returns the SHA-256 hex digest of the UTF-8 bytes of canonical.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// CanonicalizeArgs canonicalizes a tool argument map and returns both the
// canonical form and its hash. This is the integrity basis for every
// proposed tool invocation.
func CanonicalizeArgs(args map[string]any) (canonicalArgs, argsHash string, err error) {
	if args == nil {
		args = map[string]any{}
	}
	canonicalArgs, err = Canonicalize(args)
	if err != nil {
		return "", "", err
	}
	return canonicalArgs, Hash(canonicalArgs), nil
}

func marshal(b *strings.Builder, v any, seen map[uintptr]bool) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, norm.NFC.String(t))
	case float64:
		return writeFloat(b, t)
	case float32:
		return writeFloat(b, float64(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return &IntegrityError{Reason: "unparseable number " + strconv.Quote(t.String())}
		}
		return writeFloat(b, f)
	case []any:
		return marshalSlice(b, t, seen)
	case map[string]any:
		return marshalMap(b, t, seen)
	default:
		// Non-string map keys arrive as this case via reflection below;
		// everything else is outside the permitted set.
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map {
			return &IntegrityError{Reason: "map with non-string keys"}
		}
		return &IntegrityError{Reason: "unsupported type " + reflect.TypeOf(v).String()}
	}
	return nil
}

func marshalSlice(b *strings.Builder, s []any, seen map[uintptr]bool) error {
	ptr := reflect.ValueOf(s).Pointer()
	if ptr != 0 {
		if seen[ptr] {
			return &IntegrityError{Reason: "cyclic structure"}
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	b.WriteByte('[')
	for i, elem := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := marshal(b, elem, seen); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func marshalMap(b *strings.Builder, m map[string]any, seen map[uintptr]bool) error {
	ptr := reflect.ValueOf(m).Pointer()
	if seen[ptr] {
		return &IntegrityError{Reason: "cyclic structure"}
	}
	seen[ptr] = true
	defer delete(seen, ptr)

	// Keys are normalized before sorting so that semantically-equal keys
	// land in the same slot regardless of Unicode composition.
	normalized := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k, v := range m {
		nk := norm.NFC.String(k)
		if _, dup := normalized[nk]; dup {
			return &IntegrityError{Reason: "duplicate key after normalization: " + strconv.Quote(nk)}
		}
		normalized[nk] = v
		keys = append(keys, nk)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, k)
		b.WriteByte(':')
		if err := marshal(b, normalized[k], seen); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// writeFloat renders a number in shortest round-trip decimal form.
// Integral values print without a decimal point.
func writeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) {
		return &IntegrityError{Reason: "NaN is not representable"}
	}
	if math.IsInf(f, 0) {
		return &IntegrityError{Reason: "infinity is not representable"}
	}
	if f == 0 {
		// Negative zero collapses to zero.
		b.WriteByte('0')
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	b.WriteString(normalizeExponent(strconv.FormatFloat(f, 'g', -1, 64)))
	return nil
}

// normalizeExponent strips leading zeros from the exponent so that Go's
// "1e-07" becomes "1e-7", matching the ECMAScript shortest form.
func normalizeExponent(s string) string {
	i := strings.IndexByte(s, 'e')
	if i < 0 {
		return s
	}
	mant, exp := s[:i], s[i+1:]
	sign := ""
	if len(exp) > 0 && (exp[0] == '+' || exp[0] == '-') {
		sign, exp = string(exp[0]), exp[1:]
	}
	exp = strings.TrimLeft(exp, "0")
	if exp == "" {
		exp = "0"
	}
	return mant + "e" + sign + exp
}

const hexDigits = "0123456789abcdef"

// writeString emits a double-quoted string with the minimal JSON escape set:
// quote, backslash, the two-character escapes \b \f \n \r \t, and \u00XX for
// the remaining control characters. No HTML escaping.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[r>>4])
				b.WriteByte(hexDigits[r&0xf])
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
