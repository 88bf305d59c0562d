package settings

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// rawFields keeps keys the schema does not know about so they survive a
// load/save round trip untouched.
type rawFields map[string]json.RawMessage

func (r rawFields) clone() rawFields {
	if len(r) == 0 {
		return nil
	}
	out := make(rawFields, len(r))
	for k, v := range r {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// truthy coerces a decoded JSON value to a flag: null, false, 0, NaN and the
// empty string are false, everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}

// toNumber coerces a decoded JSON value to a number the way a browser's
// Number() does. null, false and blank strings become 0, true becomes 1,
// anything unparseable becomes NaN.
func toNumber(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case int:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		return stringToNumber(x)
	case []any:
		if len(x) == 0 {
			return 0
		}
		if len(x) == 1 {
			switch x[0].(type) {
			case nil, float64, string:
				return toNumber(x[0])
			}
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}

var decimalLiteral = regexp.MustCompile(`^[+-]?(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][+-]?[0-9]+)?$`)

// stringToNumber accepts signed decimals with an optional exponent, the
// exact words "Infinity", "+Infinity" and "-Infinity", and unsigned
// 0x, 0o and 0b integers.
func stringToNumber(str string) float64 {
	s := strings.TrimSpace(str)
	switch s {
	case "":
		return 0
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X':
			return radixToNumber(s[2:], 16)
		case 'o', 'O':
			return radixToNumber(s[2:], 8)
		case 'b', 'B':
			return radixToNumber(s[2:], 2)
		}
	}
	if !decimalLiteral.MatchString(s) {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return f
}

func radixToNumber(digits string, base int) float64 {
	n := 0.0
	for i := 0; i < len(digits); i++ {
		var d int
		c := digits[i]
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'f':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int(c-'A') + 10
		default:
			return math.NaN()
		}
		if d >= base {
			return math.NaN()
		}
		n = n*float64(base) + float64(d)
	}
	return n
}

// clamp bounds n to [lo, hi]; NaN resets to lo.
func clamp(n, lo, hi float64) float64 {
	if math.IsNaN(n) {
		return lo
	}
	return math.Min(hi, math.Max(lo, n))
}

// jsonNumber renders a float for persistence; values JSON cannot carry
// become null.
func jsonNumber(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
