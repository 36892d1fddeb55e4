// ABOUTME: Tests for wire frame decoding and helper semantics
// ABOUTME: Covers malformed input, truthiness, caps and reply type mapping

package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	raw := []byte(`{"type":"rule.compile.result","id":"j1","success":true,"findings_count":3}`)

	f, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, TypeRuleCompileResult, f.Type)
	assert.Equal(t, "j1", f.ID)
	assert.True(t, f.Bool("success"))
	assert.JSONEq(t, string(raw), string(f.Raw))

	n, ok := f.Int("findings_count")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestDecode_Malformed(t *testing.T) {
	for _, input := range []string{"not json", "[1,2]", "null", `{"id":"x"}`, `{"type":7}`} {
		t.Run(input, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestDecode_RawIsCopied(t *testing.T) {
	buf := []byte(`{"type":"agent.heartbeat"}`)
	f, err := Decode(buf)
	require.NoError(t, err)

	buf[2] = 'X'
	assert.Equal(t, `{"type":"agent.heartbeat"}`, string(f.Raw))
}

func TestFrameAccessors(t *testing.T) {
	f, err := Decode([]byte(`{
		"type":"agent.heartbeat",
		"instance_id":"  i-1  ",
		"capabilities":{"runtime":"docker"},
		"cves":[{"id":"CVE-1"}],
		"findings_count":2.5,
		"sbom":"nope"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "i-1", f.String("instance_id"))
	assert.Equal(t, "", f.String("capabilities"))

	caps, ok := f.Object("capabilities")
	require.True(t, ok)
	assert.Equal(t, "docker", caps["runtime"])

	cves, ok := f.List("cves")
	require.True(t, ok)
	assert.Len(t, cves, 1)

	_, ok = f.List("sbom")
	assert.False(t, ok)

	_, ok = f.Int("findings_count")
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{float64(1), true},
		{float64(0), false},
		{7, true},
		{"1", true},
		{"TRUE", true},
		{" yes ", true},
		{"on", true},
		{"y", true},
		{"no", false},
		{"0", false},
		{"", false},
		{nil, false},
		{map[string]any{}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Truthy(tt.in), "Truthy(%#v)", tt.in)
	}
}

func TestIsContainerRuntime(t *testing.T) {
	for _, r := range []string{"docker", "Kubernetes", " k8s ", "containerd", "container"} {
		assert.True(t, IsContainerRuntime(r), r)
	}
	for _, r := range []string{"", "bare-metal", "vm", "podman"} {
		assert.False(t, IsContainerRuntime(r), r)
	}
}

func TestCap(t *testing.T) {
	list := make([]any, MaxCVEEntries+10)
	assert.Len(t, Cap(list, MaxCVEEntries), MaxCVEEntries)
	assert.Len(t, Cap(list[:3], MaxCVEEntries), 3)
}

func TestReplyType(t *testing.T) {
	assert.Equal(t, TypeRuleCompileResult, ReplyType(TypeRulePush))
	assert.Equal(t, "scan.start.result", ReplyType("scan.start"))
}

func TestNormalizeAgentID(t *testing.T) {
	assert.Equal(t, "agent-1", NormalizeAgentID(" agent-1 "))
	assert.Len(t, NormalizeAgentID(strings.Repeat("a", 300)), MaxAgentIDLength)

	// Multi-byte ids are cut by character and stay valid UTF-8.
	long := "a" + strings.Repeat("é", 200)
	got := NormalizeAgentID(long)
	assert.Equal(t, MaxAgentIDLength, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a"+strings.Repeat("é", MaxAgentIDLength-1), got)

	short := strings.Repeat("é", 100)
	assert.Equal(t, short, NormalizeAgentID(short))
}

func TestOutboundFrames(t *testing.T) {
	b, err := json.Marshal(NewRegistered("a1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"agent.registered","id":"a1"}`, string(b))

	b, err = json.Marshal(Command{Type: TypeRulePush, ID: "j1", Payload: "cnVsZQ=="})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rule.push","id":"j1","payload":"cnVsZQ=="}`, string(b))
}
