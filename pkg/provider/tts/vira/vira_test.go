package vira

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sedaflow/sedaflow/pkg/provider/tts"
)

func TestSynthesize_RequestShape(t *testing.T) {
	t.Parallel()

	var (
		gotToken string
		gotBody  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("gateway-token")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"filename":"out.wav","url":"https://cdn/out.wav","duration":2.4}}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, "tok-9")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Synthesize(context.Background(), "سلام", tts.SynthesizeOpts{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotToken != "tok-9" {
		t.Errorf("gateway-token = %q, want tok-9", gotToken)
	}
	if gotBody["text"] != "سلام" {
		t.Errorf("text = %v", gotBody["text"])
	}
	if gotBody["speaker"] != "female" {
		t.Errorf("speaker = %v, want female", gotBody["speaker"])
	}
	if gotBody["speed"] != 1.0 {
		t.Errorf("speed = %v, want 1.0", gotBody["speed"])
	}
	if gotBody["timestamp"] != false {
		t.Errorf("timestamp = %v, want false", gotBody["timestamp"])
	}
	if !res.Ok() {
		t.Errorf("result not ok: %+v", res)
	}
	if res.Filename != "out.wav" || res.URL != "https://cdn/out.wav" || res.Duration != 2.4 {
		t.Errorf("result = %+v", res)
	}
}

func TestSynthesize_OptsOverrideDefaults(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Write([]byte(`{"status":"success","data":{"url":"u"}}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, "tok", WithSpeaker("male"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", tts.SynthesizeOpts{Speaker: "child", Speed: 1.3}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotBody["speaker"] != "child" {
		t.Errorf("speaker = %v, want child", gotBody["speaker"])
	}
	if gotBody["speed"] != 1.3 {
		t.Errorf("speed = %v, want 1.3", gotBody["speed"])
	}
}

func TestSynthesize_MissingTokenSkips(t *testing.T) {
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
	res, err := p.Synthesize(context.Background(), "hi", tts.SynthesizeOpts{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Status != "unauthorized" {
		t.Errorf("status = %q, want unauthorized", res.Status)
	}
	if res.Ok() {
		t.Error("unauthorized result must not be ok")
	}
	if called {
		t.Error("request was sent despite missing token")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "synthesis backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", tts.SynthesizeOpts{}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestSynthesize_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	p, err := New("http://localhost:1", "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "   ", tts.SynthesizeOpts{}); err == nil {
		t.Fatal("expected error for blank text")
	}
}
