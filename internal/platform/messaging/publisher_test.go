package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPPublisher_SignsAndDelivers(t *testing.T) {
	var gotBody []byte
	var gotSig, gotTopic string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Recordflow-Signature")
		gotTopic = r.Header.Get("X-Recordflow-Topic")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, "secret", func() string { return "msg-1" })
	err := p.Publish(context.Background(), "pipeline.completed", map[string]string{"document_id": "d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotTopic != "pipeline.completed" {
		t.Errorf("topic header = %s", gotTopic)
	}
	if gotSig != Sign([]byte("secret"), gotBody) {
		t.Error("signature does not verify against delivered body")
	}

	var msg Message
	if err := json.Unmarshal(gotBody, &msg); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if msg.ID != "msg-1" || msg.Topic != "pipeline.completed" {
		t.Errorf("unexpected message envelope: %+v", msg)
	}
}

func TestHTTPPublisher_ReceiverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, "secret", func() string { return "msg-1" })
	if err := p.Publish(context.Background(), "t", nil); err == nil {
		t.Error("expected error on 502")
	}
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	if err := p.Publish(context.Background(), "t", map[string]int{"n": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := p.Published()
	if len(msgs) != 1 || msgs[0].Topic != "t" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}
