// ABOUTME: Wire frames exchanged with agents over the WebSocket transport
// ABOUTME: Frame types, decoding, truthiness parsing and ingestion caps

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Frame types.
const (
	TypeRegistered        = "agent.registered"
	TypeHeartbeat         = "agent.heartbeat"
	TypeRulePush          = "rule.push"
	TypeRuleCompileResult = "rule.compile.result"
)

// Ingestion caps for list-valued heartbeat fields.
const (
	MaxSBOMEntries = 5000
	MaxCVEEntries  = 1000
)

// MaxAgentIDLength bounds client-supplied agent identities.
const MaxAgentIDLength = 128

// ErrMissingType is returned when a decoded frame has no type discriminator.
var ErrMissingType = errors.New("frame has no type")

// containerRuntimes are runtime kinds that imply an ephemeral agent.
var containerRuntimes = map[string]bool{
	"container":  true,
	"docker":     true,
	"k8s":        true,
	"kubernetes": true,
	"containerd": true,
}

// Frame is a decoded inbound message. Raw holds the original bytes so a
// correlated reply can be returned to the caller verbatim.
type Frame struct {
	Type   string
	ID     string
	Fields map[string]any
	Raw    json.RawMessage
}

// Decode parses an inbound message. It fails on non-JSON input, on JSON that
// is not an object, and on objects without a string "type".
func Decode(data []byte) (Frame, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if fields == nil {
		return Frame{}, fmt.Errorf("decoding frame: not an object")
	}

	typ, _ := fields["type"].(string)
	if typ == "" {
		return Frame{}, ErrMissingType
	}
	id, _ := fields["id"].(string)

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return Frame{Type: typ, ID: id, Fields: fields, Raw: raw}, nil
}

// String returns the trimmed string value of key, or "" when absent or not a string.
func (f Frame) String(key string) string {
	s, _ := f.Fields[key].(string)
	return strings.TrimSpace(s)
}

// Object returns the value of key when it is a JSON object.
func (f Frame) Object(key string) (map[string]any, bool) {
	m, ok := f.Fields[key].(map[string]any)
	return m, ok
}

// List returns the value of key when it is a JSON array.
func (f Frame) List(key string) ([]any, bool) {
	l, ok := f.Fields[key].([]any)
	return l, ok
}

// Bool reports whether key holds a truthy value.
func (f Frame) Bool(key string) bool {
	return Truthy(f.Fields[key])
}

// Int returns the value of key when it is an integral JSON number.
func (f Frame) Int(key string) (int, bool) {
	n, ok := f.Fields[key].(float64)
	if !ok || n != math.Trunc(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return int(n), true
}

// Truthy interprets loosely typed flags: booleans as is, numbers when
// non-zero, strings 1/true/yes/on/y in any case. Everything else is false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on", "y":
			return true
		}
	}
	return false
}

// IsContainerRuntime reports whether a runtime kind denotes an orchestrated workload.
func IsContainerRuntime(runtime string) bool {
	return containerRuntimes[strings.ToLower(strings.TrimSpace(runtime))]
}

// Cap truncates a list to at most n entries.
func Cap(list []any, n int) []any {
	if len(list) > n {
		return list[:n]
	}
	return list
}

// ReplyType returns the frame type an agent answers a command with.
func ReplyType(command string) string {
	if command == TypeRulePush {
		return TypeRuleCompileResult
	}
	return command + ".result"
}

// NormalizeAgentID trims an agent id and truncates it to MaxAgentIDLength characters.
func NormalizeAgentID(id string) string {
	id = strings.TrimSpace(id)
	if utf8.RuneCountInString(id) > MaxAgentIDLength {
		return string([]rune(id)[:MaxAgentIDLength])
	}
	return id
}

// Registered is the acknowledgement sent once at connect.
type Registered struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewRegistered builds the registration acknowledgement for agentID.
func NewRegistered(agentID string) Registered {
	return Registered{Type: TypeRegistered, ID: agentID}
}

// Command is a server-to-agent command frame.
type Command struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload string `json:"payload"`
}
