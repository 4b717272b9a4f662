package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeriveSendsMessagesRequest(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody messagesRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"bottlenecks\":[\"db\"]}"}]}`))
	}))
	defer server.Close()

	d := NewAnthropicDeriver("test-key", WithBaseURL(server.URL+"/v1/messages"), WithModel("test-model"))
	result, err := d.Derive(context.Background(), OpAnalyze, json.RawMessage(`{"elements":[]}`), Context{
		Title:            "URL shortener",
		ProblemStatement: "Design a URL shortener",
	})
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}

	if gotPath != "/v1/messages" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("unexpected api key header %q", gotKey)
	}
	if gotVersion != anthropicVersion {
		t.Errorf("unexpected version header %q", gotVersion)
	}
	if gotBody.Model != "test-model" {
		t.Errorf("unexpected model %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Role != "user" {
		t.Errorf("unexpected messages %+v", gotBody.Messages)
	}
	if string(result) != `{"bottlenecks":["db"]}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestDeriveSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"overloaded"}}`))
	}))
	defer server.Close()

	d := NewAnthropicDeriver("test-key", WithBaseURL(server.URL))
	_, err := d.Derive(context.Background(), OpEvaluate, json.RawMessage(`{}`), Context{})
	if err == nil {
		t.Fatal("expected error from non-200 response")
	}
}

func TestDeriveRejectsUnknownOperation(t *testing.T) {
	d := NewAnthropicDeriver("test-key")
	if _, err := d.Derive(context.Background(), Operation("hallucinate"), json.RawMessage(`{}`), Context{}); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestExtractJSONStripsFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
	}
	for _, tc := range cases {
		got, err := extractJSON(tc.in)
		if err != nil {
			t.Errorf("%s: extractJSON() error = %v", tc.name, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}

	if _, err := extractJSON("not json at all"); err == nil {
		t.Error("expected error for non-JSON text")
	}
}

func TestValidOperation(t *testing.T) {
	for _, op := range []string{"analyze", "questions", "suggestions", "evaluate", "knowledge_draft"} {
		if !ValidOperation(op) {
			t.Errorf("%s should be valid", op)
		}
	}
	if ValidOperation("summarize") {
		t.Error("summarize should not be valid")
	}
}

func TestDisabledDeriver(t *testing.T) {
	_, err := Disabled{}.Derive(context.Background(), OpAnalyze, json.RawMessage(`{}`), Context{})
	if err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
