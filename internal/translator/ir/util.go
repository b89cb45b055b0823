package ir

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"
	"github.com/tidwall/gjson"

	"github.com/phamanh/gemini-bridge/internal/json"
)

// DummySignature is accepted by signature-validating backend models when the
// genuine signature for a replayed call cannot be recovered.
const DummySignature = "c2tpcF90aG91Z2h0X3NpZ25hdHVyZV92YWxpZGF0b3I=" // base64("skip_thought_signature_validator")

// sigIDSeparator splits a smuggled signature off a tool-call id that round
// trips through the client.
const sigIDSeparator = "__SIG__"

// ExtractSignature reads the continuation token off a backend part,
// accepting both field spellings.
func ExtractSignature(part gjson.Result) []byte {
	if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
		return []byte(sig.String())
	}
	if sig := part.Get("thought_signature"); sig.Exists() && sig.String() != "" {
		return []byte(sig.String())
	}
	return nil
}

// JoinSignatureID appends sig to a tool-call id so the signature survives a
// client round trip inside the id itself.
func JoinSignatureID(id string, sig []byte) string {
	if len(sig) == 0 {
		return id
	}
	return id + sigIDSeparator + string(sig)
}

// SplitSignatureID recovers a smuggled signature from a tool id echoed by the
// client. Returns the bare id and the signature, if any.
func SplitSignatureID(id string) (string, []byte) {
	idx := strings.Index(id, sigIDSeparator)
	if idx == -1 {
		return id, nil
	}
	sig := id[idx+len(sigIDSeparator):]
	if sig == "" {
		return id[:idx], nil
	}
	return id[:idx], []byte(sig)
}

// MapGeminiFinishReason maps the backend finish reason to the outbound stop
// reason. Tool-use overrides are applied by the caller, which knows whether
// the turn emitted a call.
func MapGeminiFinishReason(reason string) FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return FinishReasonMaxTokens
	case "STOP", "FINISH_REASON_UNSPECIFIED", "UNKNOWN", "":
		return FinishReasonEndTurn
	default:
		return FinishReasonEndTurn
	}
}

// GenToolCallID returns a fresh message-block-dialect tool id.
func GenToolCallID() string {
	return "toolu_" + randomAlphanumeric(24)
}

// NewRequestID returns the per-call wrapper request id. Never reused, even on
// retry.
func NewRequestID() string {
	return uuid.NewString()
}

func randomAlphanumeric(length int) string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// ExtractSSEData strips an SSE "data:" prefix, returning nil for non-data
// lines.
func ExtractSSEData(raw []byte) []byte {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil
	}
	return bytes.TrimSpace(line[len("data:"):])
}

// UnwrapBackendEnvelope peels the {"response": {...}} wrapper the backend
// puts around each payload. Zero-copy; returns the input when no wrapper is
// present.
func UnwrapBackendEnvelope(raw []byte) gjson.Result {
	parsed := gjson.ParseBytes(raw)
	if inner := parsed.Get("response"); inner.Exists() && inner.IsObject() {
		return inner
	}
	return parsed
}

// ParseToolCallArgs decodes a tool-call argument payload, repairing mildly
// malformed JSON before giving up on an empty object.
func ParseToolCallArgs(argsJSON string) map[string]any {
	if argsJSON == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err == nil && args != nil {
		return args
	}
	if repaired, err := hujson.Standardize([]byte(argsJSON)); err == nil {
		if err := json.Unmarshal(repaired, &args); err == nil && args != nil {
			return args
		}
	}
	return map[string]any{}
}

// NormalizeWhitespace collapses runs of whitespace to single spaces for
// duplicate-text comparison.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FormatUserAgent builds the wrapper userAgent field.
func FormatUserAgent(product, version string) string {
	return fmt.Sprintf("%s/%s", product, version)
}
