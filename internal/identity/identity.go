package identity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultIdentityURL = "http://localhost:8000"
	recognizeEndpoint  = "/api/recognize_employee"

	// alreadyVotedCode is the structured error code newer identity services send.
	alreadyVotedCode = "already_voted"
	// alreadyVotedText is matched case-insensitively against the error text of older services.
	alreadyVotedText = "already voted"
)

var (
	// ErrEmptyImage is returned when Recognize is called without image data.
	ErrEmptyImage = errors.New("image data is missing")
)

// Client calls the identity recognition service
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new recognition client
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultIdentityURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

type recognizeRequest struct {
	Image string `json:"image"`
}

// recognizeResponse represents the success body of the recognition endpoint
type recognizeResponse struct {
	Message string `json:"message"`
	VoterID string `json:"voter_id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Match is a successful recognition.
type Match struct {
	Message     string
	IdentityRef string
}

// RecognitionError is a non-2xx answer from the identity service.
type RecognitionError struct {
	Status int
	Detail string
	Code   string
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed (status %d): %s", e.Status, e.Detail)
}

// IsAlreadyVoted reports whether err says the person has already voted in this election.
//
// The structured code is preferred; otherwise the error text is searched for
// "already voted" regardless of letter case.
func IsAlreadyVoted(err error) bool {
	if err == nil {
		return false
	}
	var recErr *RecognitionError
	if errors.As(err, &recErr) && strings.EqualFold(recErr.Code, alreadyVotedCode) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), alreadyVotedText)
}

// Recognize sends one base64 encoded frame (without data URL header) to the identity service.
func (c *Client) Recognize(ctx context.Context, imageBase64 string) (*Match, error) {
	if imageBase64 == "" {
		return nil, ErrEmptyImage
	}

	payload, err := json.Marshal(recognizeRequest{Image: imageBase64})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+recognizeEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, body)
	}

	var recResp recognizeResponse
	if err := json.Unmarshal(body, &recResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Any 2xx is a recognition. Services that only greet the voter are keyed by
	// their message, and a bare reply by the frame itself.
	ref := firstNonEmpty(recResp.VoterID, recResp.UserID, recResp.Name, recResp.Message)
	if ref == "" {
		ref = frameRef(imageBase64)
	}

	return &Match{Message: recResp.Message, IdentityRef: ref}, nil
}

// parseError builds a RecognitionError from an error body, keeping raw text when it is not JSON.
func parseError(status int, body []byte) *RecognitionError {
	recErr := &RecognitionError{Status: status}
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		recErr.Detail = firstNonEmpty(errResp.Detail, errResp.Message)
		recErr.Code = errResp.Code
	}
	if recErr.Detail == "" {
		recErr.Detail = strings.TrimSpace(string(body))
	}
	if recErr.Detail == "" {
		recErr.Detail = "Failed to recognize employee."
	}
	return recErr
}

func frameRef(imageBase64 string) string {
	sum := sha256.Sum256([]byte(imageBase64))
	return "frame:" + hex.EncodeToString(sum[:16])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
