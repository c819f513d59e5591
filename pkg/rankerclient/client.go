/**
 * @description
 * Client for the external recipient-ranking service. Calls go through a
 * circuit breaker so a slow or failing ranker degrades matching to heuristic
 * scoring instead of stalling it.
 */
package rankerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaingive/settlement-service/internal/app"
	"github.com/chaingive/settlement-service/internal/domain"
)

// ErrUnavailable is returned while the breaker rejects calls.
var ErrUnavailable = errors.New("ranker unavailable")

// StatusError carries a non-2xx response from the ranker.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ranker returned error status %d", e.StatusCode)
}

// Settings tunes the breaker. Zero values take the defaults in NewClient.
type Settings struct {
	Timeout             time.Duration
	ConsecutiveFailures uint32
	OpenFor             time.Duration
	Interval            time.Duration
}

type rankRequest struct {
	DonorID     string                  `json:"donor_id"`
	Amount      int64                   `json:"amount"`
	City        string                  `json:"city,omitempty"`
	Country     string                  `json:"country,omitempty"`
	Preferences domain.MatchPreferences `json:"preferences"`
	At          time.Time               `json:"at"`
	Candidates  []rankCandidate         `json:"candidates"`
}

type rankCandidate struct {
	UserID          string    `json:"user_id"`
	Country         string    `json:"country"`
	City            string    `json:"city"`
	TrustScore      float64   `json:"trust_score"`
	CompletedCycles int       `json:"completed_cycles"`
	WaitingSince    time.Time `json:"waiting_since"`
}

type rankResponse struct {
	Scores []struct {
		UserID string  `json:"user_id"`
		Score  float64 `json:"score"`
	} `json:"scores"`
}

// Client implements app.Ranker over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]app.Candidate]
}

// NewClient creates a ranker client for baseURL.
func NewClient(baseURL string, settings Settings) *Client {
	if settings.Timeout <= 0 {
		settings.Timeout = 2 * time.Second
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenFor <= 0 {
		settings.OpenFor = 30 * time.Second
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}

	threshold := settings.ConsecutiveFailures
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: settings.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]app.Candidate](gobreaker.Settings{
			Name:        "ranker",
			MaxRequests: 1,
			Interval:    settings.Interval,
			Timeout:     settings.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			IsSuccessful: isSuccessfulForBreaker,
		}),
	}
}

// Rank scores participants remotely. Scores for unknown users are dropped, so
// the caller sees a partial answer rather than a wrong one.
func (c *Client) Rank(ctx context.Context, req app.RankRequest, participants []domain.Participant) ([]app.Candidate, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("ranker base URL is not configured")
	}
	if len(participants) == 0 {
		return nil, nil
	}

	ranked, err := c.breaker.Execute(func() ([]app.Candidate, error) {
		return c.rank(ctx, req, participants)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ranked, err
}

// State reports the breaker state, mostly for health output.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func (c *Client) rank(ctx context.Context, req app.RankRequest, participants []domain.Participant) ([]app.Candidate, error) {
	payload := rankRequest{
		DonorID:     req.DonorID,
		Amount:      req.Amount,
		City:        req.City,
		Country:     req.Country,
		Preferences: req.Preferences,
		At:          req.At,
		Candidates:  make([]rankCandidate, 0, len(participants)),
	}
	byID := make(map[string]domain.Participant, len(participants))
	for _, p := range participants {
		byID[p.UserID] = p
		payload.Candidates = append(payload.Candidates, rankCandidate{
			UserID:          p.UserID,
			Country:         p.Country,
			City:            p.City,
			TrustScore:      p.TrustScore,
			CompletedCycles: p.CompletedCycles,
			WaitingSince:    p.WaitingSince,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rank payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to ranker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var decoded rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode rank response: %w", err)
	}

	out := make([]app.Candidate, 0, len(decoded.Scores))
	seen := make(map[string]struct{}, len(decoded.Scores))
	for _, s := range decoded.Scores {
		p, ok := byID[s.UserID]
		if !ok {
			continue
		}
		if _, dup := seen[s.UserID]; dup {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, app.Candidate{Participant: p, Score: s.Score})
	}
	return out, nil
}

// Client errors say nothing about the ranker's health.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled)
}
