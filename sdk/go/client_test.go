package truecodingsdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStreamReadsFramesUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/p1/runs/r1/stream" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Actor-Id") != "owner-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": stream r1\n\n")
		fmt.Fprint(w, "id: 5\nevent: run_status\ndata: {\"run_id\":\"r1\",\"sequence\":5,\"event_type\":\"run_status\"}\n\n")
		fmt.Fprint(w, "id: 6\nevent: info\ndata: {\"run_id\":\"r1\",\"sequence\":6,\"event_type\":\"info\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"SUCCEEDED\",\"last_sequence\":6}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "p1")
	c.ActorID = "owner-1"
	var seqs []int64
	status, err := c.Follow(context.Background(), "r1", func(e Event) error {
		seqs = append(seqs, e.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if status != "SUCCEEDED" {
		t.Fatalf("expected SUCCEEDED, got %s", status)
	}
	if len(seqs) != 2 || seqs[0] != 5 || seqs[1] != 6 {
		t.Fatalf("unexpected sequences %v", seqs)
	}
}

func TestStreamErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"message\":\"run not found\"}\n\n")
	}))
	defer srv.Close()

	_, err := New(srv.URL, "p1").Follow(context.Background(), "r1", func(Event) error { return nil })
	if !errors.Is(err, ErrStreamFailed) {
		t.Fatalf("expected ErrStreamFailed, got %v", err)
	}
}

func TestStreamEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	st, err := New(srv.URL, "p1").Stream(context.Background(), "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, err := st.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"code":"prerequisite_not_met","message":"missing plans: ux"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "p1").StartRun(context.Background(), nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "prerequisite_not_met" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
