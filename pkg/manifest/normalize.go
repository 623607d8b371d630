//
//  Copyright © Manetu Inc. All rights reserved.
//

package manifest

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/manetu/flowpilot/pkg/common"

	oapitypes "github.com/oapi-codegen/runtime/types"
)

// Reason codes emitted by normalization failures.
const (
	CodeMissingRequired  = "authz.missing_required_attributes"
	CodeInvalidAttribute = "authz.invalid_attribute"
)

// Normalize applies the manifest's attribute schema to a value map:
// defaults are filled in, required attributes are checked, and every present
// value is coerced to its declared type. Only attributes carrying the given
// source tag participate; values is never mutated.
//
// Adding an attribute to a manifest flows through here with no code change.
func Normalize(values map[string]interface{}, attrs []Attribute, source string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}

	var missing []string
	for _, a := range attrs {
		if a.Source != source {
			continue
		}

		v, present := out[a.Name]
		if !present || v == nil {
			if a.Default != nil {
				v = a.Default
				present = true
			} else if a.IsRequired() {
				missing = append(missing, a.Name)
				continue
			} else {
				continue
			}
		}

		coerced, err := Coerce(v, a.Type)
		if err != nil {
			return nil, common.NewErrorf(common.KindInvalidArgument, CodeInvalidAttribute,
				"attribute %s: %v", a.Name, err)
		}
		out[a.Name] = coerced
	}

	if len(missing) > 0 {
		return nil, common.NewErrorf(common.KindInvalidArgument, CodeMissingRequired,
			"missing required attributes: %s", strings.Join(missing, ", "))
	}

	return out, nil
}

// Coerce converts v to the declared attribute type. Numeric values arriving
// from JSON decode as float64; YAML defaults may decode as int. String forms
// are accepted for every type so that query parameters and form posts
// normalize the same way as JSON bodies.
func Coerce(v interface{}, typ string) (interface{}, error) {
	switch typ {
	case TypeString:
		return coerceString(v)
	case TypeInteger:
		return coerceInteger(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeBoolean:
		return coerceBoolean(v)
	case TypeDate:
		return coerceDate(v)
	case TypeEmail:
		return coerceEmail(v)
	default:
		return nil, fmt.Errorf("unknown attribute type %q", typ)
	}
}

func coerceString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", t), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", v)
	}
}

func coerceInteger(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("value %v is not an integer", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func coerceFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func coerceBoolean(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("value %q is not a boolean", t)
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

// coerceDate normalizes to the RFC 3339 full-date form used on the wire.
func coerceDate(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(t))
		if err != nil {
			return "", fmt.Errorf("value %q is not a date (expect YYYY-MM-DD)", t)
		}
		d := oapitypes.Date{Time: parsed}
		return d.String(), nil
	case time.Time:
		d := oapitypes.Date{Time: t}
		return d.String(), nil
	case oapitypes.Date:
		return t.String(), nil
	default:
		return "", fmt.Errorf("cannot convert %T to date", v)
	}
}

// coerceEmail lowercases and validates the address without retaining any
// display name.
func coerceEmail(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("cannot convert %T to email", v)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("value %q is not an email address", s)
	}
	return string(oapitypes.Email(addr.Address)), nil
}
