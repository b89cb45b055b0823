package ir

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestSignatureIDRoundTrip(t *testing.T) {
	joined := JoinSignatureID("toolu_abc", []byte("c2lnbmF0dXJl"))
	if joined != "toolu_abc__SIG__c2lnbmF0dXJl" {
		t.Fatalf("joined = %q", joined)
	}
	id, sig := SplitSignatureID(joined)
	if id != "toolu_abc" || string(sig) != "c2lnbmF0dXJl" {
		t.Fatalf("split = %q / %q", id, sig)
	}
}

func TestSignatureIDNoSmuggle(t *testing.T) {
	if got := JoinSignatureID("toolu_abc", nil); got != "toolu_abc" {
		t.Fatalf("joined = %q", got)
	}
	id, sig := SplitSignatureID("toolu_plain")
	if id != "toolu_plain" || sig != nil {
		t.Fatalf("split = %q / %v", id, sig)
	}
	id, sig = SplitSignatureID("toolu_x__SIG__")
	if id != "toolu_x" || sig != nil {
		t.Fatalf("empty trailer split = %q / %v", id, sig)
	}
}

func TestExtractSignatureBothSpellings(t *testing.T) {
	camel := gjson.Parse(`{"thoughtSignature":"abc"}`)
	if got := ExtractSignature(camel); string(got) != "abc" {
		t.Fatalf("camel = %q", got)
	}
	snake := gjson.Parse(`{"thought_signature":"def"}`)
	if got := ExtractSignature(snake); string(got) != "def" {
		t.Fatalf("snake = %q", got)
	}
	if got := ExtractSignature(gjson.Parse(`{"text":"x"}`)); got != nil {
		t.Fatalf("absent = %q", got)
	}
}

func TestExtractSSEData(t *testing.T) {
	if got := ExtractSSEData([]byte(`data: {"a":1}`)); string(got) != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
	if got := ExtractSSEData([]byte("event: ping")); got != nil {
		t.Fatalf("non-data line yielded %q", got)
	}
	if got := ExtractSSEData([]byte("   ")); got != nil {
		t.Fatalf("blank line yielded %q", got)
	}
}

func TestUnwrapBackendEnvelope(t *testing.T) {
	wrapped := UnwrapBackendEnvelope([]byte(`{"response":{"candidates":[]}}`))
	if !wrapped.Get("candidates").Exists() {
		t.Fatal("wrapper not unwrapped")
	}
	bare := UnwrapBackendEnvelope([]byte(`{"candidates":[]}`))
	if !bare.Get("candidates").Exists() {
		t.Fatal("bare payload mangled")
	}
}

func TestParseToolCallArgsRepairsRelaxedJSON(t *testing.T) {
	args := ParseToolCallArgs(`{"path": "a.go",}`)
	if args["path"] != "a.go" {
		t.Fatalf("repaired args = %v", args)
	}
	if got := ParseToolCallArgs("not json at all"); len(got) != 0 {
		t.Fatalf("garbage args = %v", got)
	}
	if got := ParseToolCallArgs(""); got == nil {
		t.Fatal("empty args must yield an empty map")
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	if MapGeminiFinishReason("MAX_TOKENS") != FinishReasonMaxTokens {
		t.Fatal("MAX_TOKENS mapping")
	}
	for _, r := range []string{"STOP", "", "SAFETY", "UNKNOWN"} {
		if MapGeminiFinishReason(r) != FinishReasonEndTurn {
			t.Fatalf("%q did not map to end_turn", r)
		}
	}
}

func TestGenToolCallID(t *testing.T) {
	id := GenToolCallID()
	if !strings.HasPrefix(id, "toolu_") || len(id) != len("toolu_")+24 {
		t.Fatalf("id = %q", id)
	}
	if id == GenToolCallID() {
		t.Fatal("ids must not repeat")
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	if got := NormalizeWhitespace("  a\n\tb   c "); got != "a b c" {
		t.Fatalf("got %q", got)
	}
}
