package server

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	maxTapPayloadSize = 512 * 1024
	maxArrayElements  = 10
)

var truncatableKeys = []string{
	"commits",
	"files",
	"added",
	"removed",
	"modified",
	"pages",
}

type truncationInfo struct {
	OriginalCount int `json:"original_count"`
	Kept          int `json:"kept"`
}

// tapPayload converts a raw job payload into the JSON carried by a tap
// message. Non-JSON payloads become a JSON string. Large documents have
// their bulky top-level arrays cut down to maxArrayElements.
func tapPayload(raw string) (json.RawMessage, bool, map[string]truncationInfo) {
	if !json.Valid([]byte(raw)) {
		encoded, _ := json.Marshal(raw)
		return json.RawMessage(encoded), false, nil
	}
	if len(raw) <= maxTapPayloadSize {
		return json.RawMessage(raw), false, nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return json.RawMessage(raw), false, nil
	}

	truncations := make(map[string]truncationInfo)
	for _, key := range truncatableKeys {
		items, ok := doc[key].([]any)
		if !ok || len(items) <= maxArrayElements {
			continue
		}
		doc[key] = items[:maxArrayElements]
		truncations[key] = truncationInfo{OriginalCount: len(items), Kept: maxArrayElements}
	}
	if len(truncations) == 0 {
		return json.RawMessage(raw), false, nil
	}

	doc["_truncated"] = truncations
	encoded, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(raw), false, nil
	}
	return json.RawMessage(encoded), true, truncations
}

func truncationFields(truncations map[string]truncationInfo) string {
	keys := make([]string, 0, len(truncations))
	for key := range truncations {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
