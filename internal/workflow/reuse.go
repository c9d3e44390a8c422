// SPDX-License-Identifier: MIT

package workflow

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanReuse reports whether a persisted stage is a valid cache hit: SUCCESS and
// every required output field present and non-empty. Numeric zero and boolean
// false count as present; they are valid values.
func CanReuse(stage *StageExecution, requiredOutputs []string) bool {
	if stage == nil || stage.Status != StageSuccess {
		return false
	}
	for _, field := range requiredOutputs {
		v, ok := stage.Output[field]
		if !ok || isEmptyValue(v) {
			return false
		}
	}
	return true
}

func isEmptyValue(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return vv == ""
	case []any:
		return len(vv) == 0
	case []string:
		return len(vv) == 0
	case map[string]any:
		return len(vv) == 0
	}
	// Numbers and booleans are always present, including 0 and false.
	return false
}

// CacheKey hashes the cache-determining input fields, scoped by task name.
// Informational: the primary reuse mechanism is the presence check above, but
// the key enables diagnostics and future cross-task sharing.
func CacheKey(taskName string, inputs map[string]any, keyFields []string) string {
	picked := make(map[string]any, len(keyFields))
	for _, f := range keyFields {
		if v, ok := inputs[f]; ok {
			picked[f] = v
		}
	}
	keys := make([]string, 0, len(picked))
	for k := range picked {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Sorted-key JSON keeps the digest stable across map iteration order.
	parts := make([]json.RawMessage, 0, len(keys)*2)
	for _, k := range keys {
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(picked[k])
		parts = append(parts, kb, vb)
	}
	blob, _ := json.Marshal(parts)

	sum := md5.Sum(blob)
	return taskName + ":" + hex.EncodeToString(sum[:])
}
