// Package messaging is the port for pipeline-completed notifications. The
// HTTP publisher delivers topic messages to a configured endpoint with an
// HMAC-SHA256 signature so receivers can verify origin.
package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Message is one published notification.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher is the outbound notification port.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// HTTPPublisher posts signed messages to a single webhook-style endpoint.
type HTTPPublisher struct {
	endpoint string
	secret   []byte
	client   *http.Client
	newID    func() string
}

func NewHTTPPublisher(endpoint, secret string, newID func() string) *HTTPPublisher {
	return &HTTPPublisher{
		endpoint: endpoint,
		secret:   []byte(secret),
		client:   &http.Client{Timeout: 10 * time.Second},
		newID:    newID,
	}
}

// Sign computes the hex HMAC-SHA256 of the payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *HTTPPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := Message{
		ID:        p.newID(),
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Recordflow-Topic", topic)
	req.Header.Set("X-Recordflow-Signature", Sign(p.secret, body))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("publish %s: receiver returned %d", topic, resp.StatusCode)
	}
	return nil
}

// MemoryPublisher records published messages. Test double.
type MemoryPublisher struct {
	mu       sync.Mutex
	Messages []Message
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages = append(p.Messages, Message{
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Published returns a snapshot of the published messages.
func (p *MemoryPublisher) Published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.Messages))
	copy(out, p.Messages)
	return out
}
