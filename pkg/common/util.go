//
//  Copyright © Manetu Inc. All rights reserved.
//

package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// PrettyPrint outputs a readable JSON representation of the provided data structure.
func PrettyPrint(data interface{}) {
	p, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		fmt.Println(err)
	} else {
		fmt.Printf("%s \n", p)
	}
}

// SanitizeString strips control characters from s and truncates it to max
// runes. Services run every inbound string value through this before it
// reaches storage or the rule engine.
func SanitizeString(s string, max int) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if max > 0 && n >= max {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeValue applies [SanitizeString] recursively to every string found in
// a decoded JSON value (strings, maps, and slices). Non-string leaves pass
// through unchanged.
func SanitizeValue(v interface{}, max int) interface{} {
	switch t := v.(type) {
	case string:
		return SanitizeString(t, max)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[SanitizeString(k, max)] = SanitizeValue(val, max)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = SanitizeValue(val, max)
		}
		return out
	default:
		return v
	}
}
