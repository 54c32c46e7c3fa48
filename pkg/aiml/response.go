package aiml

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/stefna/stefna-backend/pkg/enums"
)

// jobIDFields is searched in order; the first usable value wins.
var jobIDFields = []string{"generation_id", "id", "request_id", "task_id"}

// resultURLFields is searched in order for a completed job's output.
var resultURLFields = [][]string{
	{"video_url"},
	{"video", "url"},
	{"content", "url"},
	{"url"},
}

var (
	failedStates = map[string]struct{}{
		"failed": {}, "error": {}, "failure": {}, "cancelled": {},
		"canceled": {}, "rejected": {}, "timeout": {},
	}
	completedStates = map[string]struct{}{
		"completed": {}, "complete": {}, "succeeded": {}, "success": {},
		"done": {}, "finished": {}, "ready": {},
	}
)

const missingResultMessage = "completed without result url"

// Snapshot is the vendor-independent view of a job's state.
type Snapshot struct {
	Status    enums.GenerationStatus `json:"status"`
	ResultURL string                 `json:"result_url,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Progress  *int                   `json:"progress,omitempty"`
	RawStatus string                 `json:"raw_status,omitempty"`
}

// ExtractJobID returns the vendor job id from a start response. Top-level
// fields are preferred over the same fields nested under "data".
func ExtractJobID(body []byte) (string, bool) {
	doc, ok := decodeObject(body)
	if !ok {
		return "", false
	}
	if id, ok := firstID(doc); ok {
		return id, true
	}
	if nested, ok := doc["data"].(map[string]any); ok {
		return firstID(nested)
	}
	return "", false
}

func firstID(doc map[string]any) (string, bool) {
	for _, field := range jobIDFields {
		if id, ok := scalarString(doc[field]); ok {
			return id, true
		}
	}
	return "", false
}

// Normalize maps a status response onto a Snapshot. Unknown states and
// unparseable bodies read as processing.
func Normalize(body []byte) Snapshot {
	doc, ok := decodeObject(body)
	if !ok {
		return Snapshot{Status: enums.GenerationStatusProcessing}
	}
	nested, _ := doc["data"].(map[string]any)

	raw := firstString(doc, nested, "status", "state")
	if failed := failedState(doc, nested); failed != "" {
		raw = failed
	}
	state := strings.ToLower(strings.TrimSpace(raw))
	snap := Snapshot{
		Status:    enums.GenerationStatusProcessing,
		RawStatus: raw,
		Progress:  progress(doc, nested),
	}

	switch {
	case isState(failedStates, state):
		snap.Status = enums.GenerationStatusFailed
		snap.Error = errorText(doc, nested)
		if snap.Error == "" {
			snap.Error = "generation " + state
		}
	case isState(completedStates, state):
		if url := resultURL(doc, nested); url != "" {
			snap.Status = enums.GenerationStatusCompleted
			snap.ResultURL = url
			done := 100
			snap.Progress = &done
		} else {
			snap.Status = enums.GenerationStatusFailed
			snap.Error = missingResultMessage
		}
	}
	return snap
}

func isState(set map[string]struct{}, state string) bool {
	_, ok := set[state]
	return ok
}

func resultURL(doc, nested map[string]any) string {
	for _, source := range []map[string]any{doc, nested} {
		if source == nil {
			continue
		}
		for _, path := range resultURLFields {
			if url, ok := lookupPath(source, path).(string); ok && strings.TrimSpace(url) != "" {
				return strings.TrimSpace(url)
			}
		}
	}
	return ""
}

func errorText(doc, nested map[string]any) string {
	for _, source := range []map[string]any{doc, nested} {
		if source == nil {
			continue
		}
		switch v := source["error"].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
		for _, field := range []string{"message", "detail"} {
			if msg, ok := source[field].(string); ok && strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
	}
	return ""
}

func progress(doc, nested map[string]any) *int {
	for _, source := range []map[string]any{doc, nested} {
		if source == nil {
			continue
		}
		var value float64
		switch v := source["progress"].(type) {
		case json.Number:
			parsed, err := v.Float64()
			if err != nil {
				continue
			}
			value = parsed
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
			if err != nil {
				continue
			}
			value = parsed
		default:
			continue
		}
		pct := int(math.Round(math.Max(0, math.Min(100, value))))
		return &pct
	}
	return nil
}

// failedState returns the first status or state field reporting failure.
// Vendors sometimes send both with disagreeing values.
func failedState(doc, nested map[string]any) string {
	for _, source := range []map[string]any{doc, nested} {
		for _, field := range []string{"status", "state"} {
			if s, ok := source[field].(string); ok && isState(failedStates, strings.ToLower(strings.TrimSpace(s))) {
				return s
			}
		}
	}
	return ""
}

func firstString(doc, nested map[string]any, fields ...string) string {
	for _, source := range []map[string]any{doc, nested} {
		if source == nil {
			continue
		}
		for _, field := range fields {
			if s, ok := source[field].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func lookupPath(doc map[string]any, path []string) any {
	var current any = doc
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[key]
	}
	return current
}

// scalarString accepts non-empty strings and numbers; JSON numbers are
// decoded as json.Number so large ids keep every digit.
func scalarString(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		return trimmed, trimmed != ""
	case json.Number:
		return value.String(), true
	}
	return "", false
}

func decodeObject(body []byte) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}
