package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MessagingClient posts staged messages to the patient messaging provider.
type MessagingClient struct {
	url    string
	token  string
	client *http.Client
}

func NewMessagingClient(url, token string) *MessagingClient {
	return &MessagingClient{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	PatientID      string `json:"patientId"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
}

type sendResponse struct {
	Success   *bool  `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

func (c *MessagingClient) Send(ctx context.Context, patientID, conversationID, content string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		PatientID:      patientID,
		ConversationID: conversationID,
		Content:        content,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.Success != nil && !*sr.Success {
		if sr.Error == "" {
			return "", fmt.Errorf("provider rejected message body=%q", string(body))
		}
		return "", fmt.Errorf("provider rejected message: %s", sr.Error)
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}
