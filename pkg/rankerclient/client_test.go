package rankerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaingive/settlement-service/internal/app"
	"github.com/chaingive/settlement-service/internal/domain"
)

var pool = []domain.Participant{
	{UserID: "r1", City: "Lagos", Country: "NG", TrustScore: 0.9},
	{UserID: "r2", City: "Accra", Country: "GH", TrustScore: 0.4},
}

func TestRankMapsScoresToParticipants(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rank", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var payload rankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "donor", payload.DonorID)
		assert.Len(t, payload.Candidates, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scores":[{"user_id":"r2","score":0.8},{"user_id":"ghost","score":1},{"user_id":"r1","score":0.3},{"user_id":"r2","score":0.1}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", Settings{})
	ranked, err := client.Rank(context.Background(), app.RankRequest{DonorID: "donor", Amount: 500}, pool)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "r2", ranked[0].Participant.UserID)
	assert.Equal(t, 0.8, ranked[0].Score)
	assert.Equal(t, "Lagos", ranked[1].Participant.City)
}

func TestBreakerOpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, Settings{ConsecutiveFailures: 2, OpenFor: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := client.Rank(context.Background(), app.RankRequest{}, pool)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	}

	_, err := client.Rank(context.Background(), app.RankRequest{}, pool)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", client.State())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, Settings{ConsecutiveFailures: 1})
	for i := 0; i < 3; i++ {
		_, err := client.Rank(context.Background(), app.RankRequest{}, pool)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
	}
	assert.Equal(t, "closed", client.State())
}

func TestFallbackUsesHeuristicWhenRankerIsDown(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", Settings{Timeout: 200 * time.Millisecond})
	ranker := app.NewFallbackRanker(client, app.NewHeuristicRanker(), nil)

	ranked, err := ranker.Rank(context.Background(), app.RankRequest{City: "Lagos"}, pool)
	require.NoError(t, err)
	assert.Len(t, ranked, 2)
}

func TestUnconfiguredClient(t *testing.T) {
	_, err := NewClient("", Settings{}).Rank(context.Background(), app.RankRequest{}, pool)
	assert.Error(t, err)
}
