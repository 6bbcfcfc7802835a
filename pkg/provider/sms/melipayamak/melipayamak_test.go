package melipayamak

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSend_RequestShape(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Write([]byte(`{"recIds":[1,2]}`))
	}))
	defer srv.Close()

	s := New("key-42", "5000", WithEndpoint(srv.URL))
	if err := s.Send(context.Background(), []string{"0912000", "0912001"}, "paused"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/key-42" {
		t.Errorf("path = %q, want /key-42", gotPath)
	}
	if gotBody["from"] != "5000" {
		t.Errorf("from = %v", gotBody["from"])
	}
	if gotBody["text"] != "paused" {
		t.Errorf("text = %v", gotBody["text"])
	}
	if gotBody["udh"] != "" {
		t.Errorf("udh = %v, want empty string", gotBody["udh"])
	}
	to, ok := gotBody["to"].([]any)
	if !ok || len(to) != 2 || to[0] != "0912000" || to[1] != "0912001" {
		t.Errorf("to = %v", gotBody["to"])
	}
}

func TestSend_UnconfiguredIsNoop(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	for _, s := range []*Sender{
		New("", "5000", WithEndpoint(srv.URL)),
		New("key", "", WithEndpoint(srv.URL)),
	} {
		if err := s.Send(context.Background(), []string{"0912000"}, "hi"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if called {
		t.Error("unconfigured sender made a request")
	}
}

func TestSend_NoRecipientsIsNoop(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New("key", "5000", WithEndpoint(srv.URL))
	if err := s.Send(context.Background(), nil, "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if called {
		t.Error("request sent with no recipients")
	}
}

func TestSend_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := New("key", "5000", WithEndpoint(srv.URL))
	if err := s.Send(context.Background(), []string{"0912000"}, "hi"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}
