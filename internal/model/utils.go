package model

import (
	"encoding/json"
	"sort"
)

func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// EncodeStringSlice stores a string set as a sorted JSON array so that equal
// sets always serialize identically.
func EncodeStringSlice(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	b, err := json.Marshal(sorted)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func DecodeStringSlice(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return []string{}
	}
	return values
}

func EncodeStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func DecodeStringMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]string{}
	}
	return m
}
