package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gptme/gptme/pkg/models"
)

// Native tool calls are flattened into assistant text as marker lines of the
// form "@<name>(<call_id>): <json-args>". Adapters emit the marker prefix as
// soon as a tool-use block starts and stream the argument JSON behind it, so
// the step engine consumes one uniform token stream regardless of format.
// When the assistant message is replayed to the provider, the markers are
// lifted back into native tool_use blocks.

var nativeMarkerRe = regexp.MustCompile(`(?m)^@([A-Za-z0-9_.-]+)\(([^)]*)\): `)

// NativeMarker renders the marker prefix for a tool call. Argument JSON is
// appended after the prefix.
func NativeMarker(name, callID string) string {
	return fmt.Sprintf("@%s(%s): ", name, callID)
}

// EncodeNativeCall renders a complete marker line for a finished tool call.
func EncodeNativeCall(name, callID string, args json.RawMessage) string {
	body := strings.TrimSpace(string(args))
	if body == "" {
		body = "{}"
	}
	return NativeMarker(name, callID) + body
}

// NativeSegment is one piece of a decoded assistant message: either plain
// text (Call nil) or a tool call.
type NativeSegment struct {
	Text string
	Call *models.ToolUse
}

// DecodeNative splits assistant content into text segments and the tool
// calls encoded as marker lines. Argument JSON is consumed as one value even
// when it spans lines; malformed JSON leaves the marker in the text so
// nothing is silently dropped.
func DecodeNative(content string) []NativeSegment {
	var segments []NativeSegment
	rest := content
	for {
		loc := nativeMarkerRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		name := rest[loc[2]:loc[3]]
		callID := rest[loc[4]:loc[5]]

		args, tail, ok := consumeJSON(rest[loc[1]:])
		if !ok {
			// Leave the unparseable marker as text and stop scanning past it.
			break
		}
		if pre := rest[:loc[0]]; strings.TrimSpace(pre) != "" {
			segments = append(segments, NativeSegment{Text: pre})
		}
		tu := &models.ToolUse{Tool: name, CallID: callID}
		tu.Kwargs = kwargsFromJSON(args)
		tu.Content = string(args)
		segments = append(segments, NativeSegment{Call: tu})
		rest = tail
	}
	if strings.TrimSpace(rest) != "" {
		segments = append(segments, NativeSegment{Text: rest})
	}
	return segments
}

// HasNativeMarker reports whether content contains at least one marker line.
func HasNativeMarker(content string) bool {
	return nativeMarkerRe.MatchString(content)
}

// consumeJSON reads exactly one JSON value from the front of s.
func consumeJSON(s string) (json.RawMessage, string, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, s, false
	}
	return raw, s[dec.InputOffset():], true
}

// kwargsFromJSON flattens a JSON object of scalar values into string kwargs.
// Non-object or nested values are kept only in the raw content.
func kwargsFromJSON(raw json.RawMessage) map[string]string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	kwargs := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			kwargs[k] = val
		case float64, bool, nil:
			b, _ := json.Marshal(val)
			kwargs[k] = string(b)
		default:
			b, _ := json.Marshal(val)
			kwargs[k] = string(b)
		}
	}
	return kwargs
}
