package ballot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/constants"
)

const (
	defaultBallotURL = "http://localhost:5000"
	castEndpoint     = "/api/vote/encrypt"
)

// ErrInvalidBallot is returned for an empty or oversized ranked list.
var ErrInvalidBallot = errors.New("ballot must rank between 1 and 3 candidates")

// Vote is one ranked preference. Priority starts at 1.
type Vote struct {
	CandidateID string `json:"candidate_id"`
	Priority    int    `json:"priority"`
}

type castRequest struct {
	Votes         []Vote `json:"votes"`
	PollManagerID string `json:"poll_manager_id"`
	VoterRef      string `json:"voter_ref,omitempty"`
}

type castError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// RankVotes turns an ordered candidate list into votes with priority = index + 1.
func RankVotes(candidateIDs []string) ([]Vote, error) {
	if len(candidateIDs) < constants.MinRankedChoices || len(candidateIDs) > constants.MaxRankedChoices {
		return nil, ErrInvalidBallot
	}
	votes := make([]Vote, 0, len(candidateIDs))
	for i, id := range candidateIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty candidate at position %d", ErrInvalidBallot, i+1)
		}
		votes = append(votes, Vote{CandidateID: id, Priority: i + 1})
	}
	return votes, nil
}

// Caster forwards admitted ballots to the ballot-casting service.
type Caster struct {
	baseURL       string
	pollManagerID string
	client        *http.Client
}

// NewCaster creates a casting client
func NewCaster(baseURL, pollManagerID string) *Caster {
	if baseURL == "" {
		baseURL = defaultBallotURL
	}
	return &Caster{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		pollManagerID: pollManagerID,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Cast submits the ranked votes of an admitted voter.
func (c *Caster) Cast(ctx context.Context, admission *Admission, votes []Vote) error {
	body, err := json.Marshal(castRequest{
		Votes:         votes,
		PollManagerID: c.pollManagerID,
		VoterRef:      admission.IdentityRef,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ballot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+castEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send ballot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ce castError
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &ce) == nil {
			if ce.Error != "" {
				msg = ce.Error
			} else if ce.Detail != "" {
				msg = ce.Detail
			}
		}
		return fmt.Errorf("ballot service returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
