// SPDX-License-Identifier: MIT

package workflow

import (
	"strings"
)

// Remote URL field suffixes. Local path fields are never overwritten; remote
// URL fields are always suffixed.
const (
	MinioURLSuffix        = "_minio_url"
	MinioURLsSuffix       = "_minio_urls"
	MinioSizeSuffix       = "_minio_size"
	MinioSizesSuffix      = "_minio_sizes"
	CompressionInfoSuffix = "_compression_info"
)

// pathSuffixes auto-detect path fields by name.
var pathSuffixes = []string{"_path", "_file", "_dir", "_data", "_audio", "_video", "_image"}

// forbiddenDurationAliases must never appear in stage output: duration is a
// stage-scope field with exactly one spelling.
var forbiddenDurationAliases = []string{"processing_time", "transcribe_duration", "execution_time"}

// IsPathField reports whether an output field name denotes a filesystem path,
// either by the standard suffix rule or by a node's explicit declaration.
func IsPathField(name string, custom []string) bool {
	if strings.HasSuffix(name, MinioURLSuffix) ||
		strings.HasSuffix(name, MinioURLsSuffix) ||
		strings.HasSuffix(name, CompressionInfoSuffix) {
		return false
	}
	for _, c := range custom {
		if name == c {
			return true
		}
	}
	for _, suf := range pathSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// PathFields lists all path fields present in output, sorted order not
// guaranteed.
func PathFields(output map[string]any, custom []string) []string {
	var fields []string
	for name := range output {
		if IsPathField(name, custom) {
			fields = append(fields, name)
		}
	}
	return fields
}

// StripDurationAliases removes forbidden duration aliases from a raw output
// map and reports which ones were dropped.
func StripDurationAliases(output map[string]any) []string {
	var dropped []string
	for _, alias := range forbiddenDurationAliases {
		if _, ok := output[alias]; ok {
			delete(output, alias)
			dropped = append(dropped, alias)
		}
	}
	return dropped
}

// StringSlice coerces an output value into a string slice if it is one,
// accepting both []string and JSON-decoded []any.
func StringSlice(v any) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
