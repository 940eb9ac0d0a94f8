// Package configutil holds helpers for decoding provider settings
// maps and validating required config fields.
package configutil

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a free-form provider settings map into a
// typed options struct. Keys match case-insensitively and ignore
// underscores and dashes, so "sample_rate", "sampleRate" and
// "sample-rate" all bind the same field. Scalars are coerced weakly,
// which lets YAML strings fill numeric fields.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return foldKey(mapKey) == foldKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// RequireString fails with the field's config path when value is
// empty or whitespace.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// BoolValue resolves an optional bool, falling back when unset.
func BoolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

// IntValue resolves an optional int, falling back when unset.
func IntValue(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

// foldKey lowercases value and strips the separators that vary
// between YAML keys and Go field names.
func foldKey(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return -1
		}
		return unicode.ToLower(r)
	}, value)
}
