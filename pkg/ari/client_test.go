package ari

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestClient points a Client at a httptest server that records the last
// request and replies with the given status and body.
func newTestClient(t *testing.T, status int, body string, lastReq **http.Request, lastBody *[]byte) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lastReq != nil {
			*lastReq = r.Clone(context.Background())
		}
		if lastBody != nil {
			data, _ := io.ReadAll(r.Body)
			*lastBody = data
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "user", "secret", WithMaxConnections(4))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestOriginate_RequestShape(t *testing.T) {
	t.Parallel()

	var req *http.Request
	var body []byte
	c := newTestClient(t, http.StatusOK, `{"id":"chan-42"}`, &req, &body)

	id, err := c.Originate(context.Background(), OriginateParams{
		Endpoint: "PJSIP/295409121234567@trunk-a",
		App:      "sedaflow",
		AppArgs:  []string{"outbound", "sess-1"},
		CallerID: "02191302954",
		Timeout:  30,
		Variables: map[string]string{
			"CALLERID(num)": "02191302954",
		},
	})
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if id != "chan-42" {
		t.Errorf("channel id = %q, want chan-42", id)
	}
	if req.Method != http.MethodPost || req.URL.Path != "/channels" {
		t.Errorf("request = %s %s, want POST /channels", req.Method, req.URL.Path)
	}
	if user, pass, ok := req.BasicAuth(); !ok || user != "user" || pass != "secret" {
		t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if payload["appArgs"] != "outbound,sess-1" {
		t.Errorf("appArgs = %v, want outbound,sess-1", payload["appArgs"])
	}
	if payload["callerId"] != "02191302954" {
		t.Errorf("callerId = %v", payload["callerId"])
	}
	if payload["timeout"] != float64(30) {
		t.Errorf("timeout = %v, want 30", payload["timeout"])
	}
	vars, _ := payload["variables"].(map[string]any)
	if vars["CALLERID(num)"] != "02191302954" {
		t.Errorf("variables = %v", payload["variables"])
	}
}

func TestRecordChannel_Defaults(t *testing.T) {
	t.Parallel()

	var req *http.Request
	var body []byte
	c := newTestClient(t, http.StatusOK, `{}`, &req, &body)

	err := c.RecordChannel(context.Background(), "chan-1", RecordParams{
		Name:               "sess-1_interest_ab12",
		MaxDurationSeconds: 10,
		MaxSilenceSeconds:  2,
	})
	if err != nil {
		t.Fatalf("RecordChannel: %v", err)
	}
	if req.URL.Path != "/channels/chan-1/record" {
		t.Errorf("path = %s", req.URL.Path)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["format"] != "wav" {
		t.Errorf("format = %v, want wav", payload["format"])
	}
	if payload["ifExists"] != "overwrite" {
		t.Errorf("ifExists = %v, want overwrite", payload["ifExists"])
	}
	if payload["beep"] != false {
		t.Errorf("beep = %v, want false", payload["beep"])
	}
	if payload["maxDurationSeconds"] != float64(10) || payload["maxSilenceSeconds"] != float64(2) {
		t.Errorf("durations = %v / %v", payload["maxDurationSeconds"], payload["maxSilenceSeconds"])
	}
}

func TestHangupChannel_NotFound(t *testing.T) {
	t.Parallel()

	var req *http.Request
	c := newTestClient(t, http.StatusNotFound, `{"message":"Channel not found"}`, &req, nil)

	err := c.HangupChannel(context.Background(), "gone", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if req.Method != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", req.Method)
	}
	if got := req.URL.Query().Get("reason"); got != "normal" {
		t.Errorf("reason = %q, want normal", got)
	}
}

func TestGetChannelVariable(t *testing.T) {
	t.Parallel()

	t.Run("present", func(t *testing.T) {
		t.Parallel()
		var req *http.Request
		c := newTestClient(t, http.StatusOK, `{"value":"09121234567"}`, &req, nil)

		got, err := c.GetChannelVariable(context.Background(), "chan-1", "PJSIP_HEADER(read,Diversion)")
		if err != nil {
			t.Fatalf("GetChannelVariable: %v", err)
		}
		if got != "09121234567" {
			t.Errorf("value = %q", got)
		}
		if q := req.URL.Query().Get("variable"); q != "PJSIP_HEADER(read,Diversion)" {
			t.Errorf("variable query = %q", q)
		}
	})

	t.Run("missing is not an error", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, http.StatusNotFound, `{"message":"Variable not found"}`, nil, nil)

		got, err := c.GetChannelVariable(context.Background(), "chan-1", "NOPE")
		if err != nil {
			t.Fatalf("err = %v, want nil", err)
		}
		if got != "" {
			t.Errorf("value = %q, want empty", got)
		}
	})
}

func TestFetchStoredRecording(t *testing.T) {
	t.Parallel()

	var req *http.Request
	c := newTestClient(t, http.StatusOK, "RIFFxxxxWAVE", &req, nil)

	data, err := c.FetchStoredRecording(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("FetchStoredRecording: %v", err)
	}
	if string(data) != "RIFFxxxxWAVE" {
		t.Errorf("body = %q", data)
	}
	if req.URL.Path != "/recordings/stored/rec-1/file" {
		t.Errorf("path = %s", req.URL.Path)
	}
}

func TestCreateBridge_DefaultsToMixing(t *testing.T) {
	t.Parallel()

	var body []byte
	c := newTestClient(t, http.StatusOK, `{"id":"br-9"}`, nil, &body)

	id, err := c.CreateBridge(context.Background(), "sess-1", "")
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	if id != "br-9" {
		t.Errorf("bridge id = %q", id)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["type"] != "mixing" || payload["name"] != "sess-1" {
		t.Errorf("payload = %v", payload)
	}
}

func TestServerError_SurfacesBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.StatusInternalServerError, `{"message":"Allocation failed"}`, nil, nil)

	_, err := c.CreateBridge(context.Background(), "x", "mixing")
	if err == nil {
		t.Fatal("want error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("500 must not map to ErrNotFound")
	}
}
