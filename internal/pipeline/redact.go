package pipeline

import (
	"encoding/json"
	"strings"
)

const redactedLiteral = "[REDACTED]"

// redact walks rawBody as a JSON object and replaces the value at each
// dotted path with redactedLiteral (spec §4.4 Stage 4, §6 redact_keys). Run
// after normalization has already extracted fields from the original bytes.
// A body that fails to unmarshal as an object is returned unchanged — it
// already failed parsing upstream, so there is nothing structured left to
// redact.
func redact(rawBody []byte, paths []string) []byte {
	if len(paths) == 0 || len(rawBody) == 0 {
		return rawBody
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(rawBody, &doc); err != nil {
		return rawBody
	}

	for _, path := range paths {
		redactPath(doc, strings.Split(path, "."))
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return rawBody
	}
	return out
}

func redactPath(doc map[string]interface{}, segments []string) {
	if len(segments) == 0 {
		return
	}
	key := segments[0]
	if len(segments) == 1 {
		if _, ok := doc[key]; ok {
			doc[key] = redactedLiteral
		}
		return
	}
	child, ok := doc[key].(map[string]interface{})
	if !ok {
		return
	}
	redactPath(child, segments[1:])
}
