package gapgpt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sedaflow/sedaflow/pkg/provider/llm"
)

func TestComplete_PlainJSON(t *testing.T) {
	t.Parallel()

	var (
		gotAuth string
		gotBody map[string]any
		gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":" yes "}}]}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, "key-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: llm.UserMessage("classify this"),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "yes" {
		t.Errorf("content = %q, want yes", out)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want default gpt-4o-mini", gotBody["model"])
	}
	if temp, ok := gotBody["temperature"]; !ok || temp != 0.0 {
		t.Errorf("temperature = %v (present %v), want explicit 0", temp, ok)
	}
}

func TestComplete_EventStreamBody(t *testing.T) {
	t.Parallel()

	body := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	p, err := New(srv.URL, "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: llm.UserMessage("hi"),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello" {
		t.Errorf("content = %q, want hello", out)
	}
}

func TestComplete_QuotaClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		body      string
		wantQuota bool
	}{
		{"forbidden", http.StatusForbidden, `{"error":{"message":"denied"}}`, true},
		{"quota code", http.StatusTooManyRequests, `{"error":{"code":"pre_consume_token_quota_failed","message":"x"}}`, true},
		{"quota message", http.StatusBadRequest, `{"error":{"message":"user token quota is not enough"}}`, true},
		{"plain failure", http.StatusInternalServerError, `{"error":{"message":"upstream broke"}}`, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p, err := New(srv.URL, "key")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Complete(context.Background(), llm.CompletionRequest{
				Messages: llm.UserMessage("hi"),
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := llm.IsQuotaErr(err); got != tc.wantQuota {
				t.Errorf("IsQuotaErr = %v, want %v (err: %v)", got, tc.wantQuota, err)
			}
		})
	}
}

func TestComplete_RequestModelOverride(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, "key", WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Model:    "gpt-3.5-turbo",
		Messages: llm.UserMessage("hi"),
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotBody["model"] != "gpt-3.5-turbo" {
		t.Errorf("model = %v, want request override", gotBody["model"])
	}
}

func TestComplete_MissingKeyFailsFast(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	p, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: llm.UserMessage("hi"),
	}); err == nil {
		t.Fatal("expected error for missing key")
	}
	if called {
		t.Error("request was sent despite missing key")
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: llm.UserMessage("hi"),
	}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
