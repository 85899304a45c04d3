package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"speech-relay-service/internal/models"
)

const maxErrorBody = 512

// StatusError is returned when the retrieval service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("retrieval service returned HTTP %d: %s", e.StatusCode, e.Body)
}

type retrievalRequest struct {
	Transcript string      `json:"transcript"`
	IndexName  string      `json:"index_name"`
	Role       models.Role `json:"role"`
	SessionID  string      `json:"session_id,omitempty"`
	TurnID     string      `json:"turn_id,omitempty"`
}

// RetrievalClient posts finalized turns to the retrieval/response pipeline.
type RetrievalClient struct {
	url  string
	http *http.Client
}

// NewRetrievalClient creates a client for url. timeout bounds each call.
func NewRetrievalClient(url string, timeout time.Duration) *RetrievalClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &RetrievalClient{
		url: url,
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

func (c *RetrievalClient) Name() string { return "retrieval" }

func (c *RetrievalClient) Handle(ctx context.Context, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error) {
	body, err := json.Marshal(retrievalRequest{
		Transcript: turn.Text,
		IndexName:  contextKey,
		Role:       turn.Role,
		SessionID:  turn.SessionID,
		TurnID:     turn.TurnID,
	})
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("marshal retrieval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("retrieval request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.DeliveryResult{}, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var result models.DeliveryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.DeliveryResult{}, fmt.Errorf("decode retrieval response: %w", err)
	}
	if result.Transcript == "" {
		result.Transcript = turn.Text
	}
	return result, nil
}
