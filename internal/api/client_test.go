package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Send(context.Background(), SendRequest{Destination: "b", Payload: "x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if got == "" || got[len(got)-1] == '\n' {
		t.Fatalf("unexpected error string: %q", got)
	}
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestClient_Status(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/status" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(StatusResponse{
			NodeID: "a",
			Route:  &Route{Destination: "INTERNET", NextHopNodeID: "b", ViaGateway: true},
		})
	}))
	defer s.Close()

	// Bare host:port gets a scheme.
	c := NewClient(strings.TrimPrefix(s.URL, "http://"))
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.NodeID != "a" || st.Route == nil || st.Route.NextHopNodeID != "b" {
		t.Fatalf("status=%+v", st)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"127.0.0.1:9100":         "http://127.0.0.1:9100",
		"http://127.0.0.1:9100/": "http://127.0.0.1:9100",
		"https://node.example":   "https://node.example",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q)=%q want %q", in, got, want)
		}
	}
}
