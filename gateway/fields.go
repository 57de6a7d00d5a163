package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/warp/payment-reconciler/generic"
)

// Fields is a decoded JSON object read by dotted path. Unknown fields are
// ignored and type mismatches are coerced, so a provider adding or
// retyping a field does not break parsing.
type Fields map[string]any

// ParseFields decodes body into Fields. Numbers stay json.Number so
// amounts are not rounded through float64.
func ParseFields(body []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var f map[string]any
	if err := dec.Decode(&f); err != nil {
		return nil, generic.NewValidationError("body", fmt.Sprintf("invalid JSON payload: %v", err))
	}
	if f == nil {
		return nil, generic.NewValidationError("body", "payload is not a JSON object")
	}
	return Fields(f), nil
}

// Get walks a dotted path ("data.customer.email"). Missing keys yield nil.
func (f Fields) Get(path string) any {
	var cur any = map[string]any(f)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// Object returns the nested object at path, or nil.
func (f Fields) Object(path string) Fields {
	if m, ok := f.Get(path).(map[string]any); ok {
		return Fields(m)
	}
	return nil
}

// List returns the nested array at path as Fields, skipping non-objects.
func (f Fields) List(path string) []Fields {
	raw, ok := f.Get(path).([]any)
	if !ok {
		return nil
	}
	out := make([]Fields, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Fields(m))
		}
	}
	return out
}

func (f Fields) String(path string) string {
	v := f.Get(path)
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return cast.ToString(v)
}

func (f Fields) Bool(path string) bool {
	return cast.ToBool(f.Get(path))
}

// First returns the first non-empty string among paths.
func (f Fields) First(paths ...string) string {
	for _, p := range paths {
		if s := f.String(p); s != "" {
			return s
		}
	}
	return ""
}

// Money reads a major-unit amount. Strings ("1000.50") and numbers both work.
func (f Fields) Money(path string) (generic.Money, error) {
	raw := strings.TrimSpace(f.String(path))
	if raw == "" {
		return decimal.Zero, generic.NewValidationError(path, "amount missing")
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Zero, generic.NewValidationError(path, fmt.Sprintf("invalid amount %q", raw))
	}
	if d.IsNegative() {
		return decimal.Zero, generic.NewValidationError(path, "amount is negative")
	}
	return d, nil
}

// MinorMoney reads a minor-unit integer amount (kobo, cents) and returns
// major units. A whole number written with a fraction ("70000.00") is
// accepted; a real fraction is not.
func (f Fields) MinorMoney(path string) (generic.Money, error) {
	raw := strings.TrimSpace(f.String(path))
	if raw == "" {
		return decimal.Zero, generic.NewValidationError(path, "amount missing")
	}
	v, err := cast.ToInt64E(raw)
	if err != nil {
		d, derr := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
		if derr != nil || !d.IsInteger() {
			return decimal.Zero, generic.NewValidationError(path, fmt.Sprintf("invalid minor-unit amount %q", raw))
		}
		v = d.IntPart()
	}
	if v < 0 {
		return decimal.Zero, generic.NewValidationError(path, "amount is negative")
	}
	return generic.FromMinorUnits(v), nil
}
