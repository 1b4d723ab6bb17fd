package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/tutor-chat-gateway/internal/models"
)

type upstream struct {
	*httptest.Server
	calls atomic.Int32
	last  atomic.Value
}

func newUpstream(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		u.last.Store(req)
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func reply(content string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`))
	}
}

func status(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", code)
	}
}

func candidate(id string, u *upstream, model string) models.ResolvedModel {
	return models.ResolvedModel{EndpointID: id, BaseURL: u.URL, Credential: "sk-" + id, ModelName: model, TimeoutSeconds: 5}
}

var turn = []models.ChatMessage{{Role: models.RoleUser, Content: "为什么快排是 n log n?"}}

func TestSend_FallsBackAfterServerError(t *testing.T) {
	a := newUpstream(t, status(http.StatusInternalServerError))
	b := newUpstream(t, reply("think about the partitions"))

	content, err := NewClient(Options{}).Send(context.Background(),
		[]models.ResolvedModel{candidate("a", a, "m1"), candidate("b", b, "m2")}, turn, "be a tutor")

	require.NoError(t, err)
	assert.Equal(t, "think about the partitions", content)
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())

	req := b.last.Load().(completionRequest)
	assert.Equal(t, "m2", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, models.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be a tutor", req.Messages[0].Content)
}

func TestSend_AllFailGivesAggregatedError(t *testing.T) {
	a := newUpstream(t, status(http.StatusServiceUnavailable))
	b := newUpstream(t, status(http.StatusTooManyRequests))

	_, err := NewClient(Options{}).Send(context.Background(),
		[]models.ResolvedModel{candidate("a", a, "m1"), candidate("b", b, "m2")}, turn, "")

	var agg *AggregatedError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Attempts, 2)
	assert.Equal(t, KindUnavailable, agg.Attempts[0].Kind)
	assert.Equal(t, KindRateLimited, agg.Attempts[1].Kind)
	assert.Equal(t, http.StatusTooManyRequests, agg.Last().Status)
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())

	var last *UpstreamError
	require.True(t, errors.As(err, &last))
	assert.Equal(t, "b", last.Endpoint)
}

func TestSend_EmptyChain(t *testing.T) {
	_, err := NewClient(Options{}).Send(context.Background(), nil, turn, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSend_AuthFailureSkipsSameEndpoint(t *testing.T) {
	a := newUpstream(t, status(http.StatusUnauthorized))
	b := newUpstream(t, reply("ok"))

	content, err := NewClient(Options{}).Send(context.Background(), []models.ResolvedModel{
		candidate("a", a, "m1"),
		candidate("a", a, "m2"),
		candidate("b", b, "m3"),
	}, turn, "")

	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.EqualValues(t, 1, a.calls.Load())
}

func TestSend_BadResponseAdvances(t *testing.T) {
	a := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"choices":[]}`)) })
	b := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`not json`)) })

	_, err := NewClient(Options{}).Send(context.Background(),
		[]models.ResolvedModel{candidate("a", a, "m"), candidate("b", b, "m")}, turn, "")

	var agg *AggregatedError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Attempts, 2)
	assert.Equal(t, KindBadResponse, agg.Attempts[0].Kind)
	assert.Equal(t, KindBadResponse, agg.Attempts[1].Kind)
}

func TestSend_TimeoutAdvances(t *testing.T) {
	release := make(chan struct{})
	slow := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	fast := newUpstream(t, reply("fast"))

	hc := &http.Client{Timeout: 0}
	c := NewClient(Options{HTTPClient: hc})
	slowCandidate := candidate("slow", slow, "m")
	slowCandidate.TimeoutSeconds = 1

	start := time.Now()
	content, err := c.Send(context.Background(), []models.ResolvedModel{slowCandidate, candidate("fast", fast, "m")}, turn, "")
	require.NoError(t, err)
	assert.Equal(t, "fast", content)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestSend_CallerCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		cancel()
		http.Error(w, "down", http.StatusBadGateway)
	})
	b := newUpstream(t, reply("never"))

	_, err := NewClient(Options{}).Send(ctx,
		[]models.ResolvedModel{candidate("a", a, "m"), candidate("b", b, "m")}, turn, "")

	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestSend_TransportFailureIsNetwork(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	_, err := NewClient(Options{}).Send(context.Background(),
		[]models.ResolvedModel{{EndpointID: "dead", BaseURL: deadURL, ModelName: "m", TimeoutSeconds: 2}}, turn, "")

	var agg *AggregatedError
	require.True(t, errors.As(err, &agg))
	assert.Equal(t, KindNetwork, agg.Last().Kind)
}

func TestSend_SendsBearerCredential(t *testing.T) {
	var auth atomic.Value
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		reply("ok")(w, r)
	})
	m := candidate("a", u, "m")
	m.BaseURL = u.URL + "/v1/"

	_, err := NewClient(Options{}).Send(context.Background(), []models.ResolvedModel{m}, turn, "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-a", auth.Load())
}

func TestSend_AlwaysLeadsWithSystemMessage(t *testing.T) {
	u := newUpstream(t, reply("ok"))

	_, err := NewClient(Options{}).Send(context.Background(), []models.ResolvedModel{candidate("a", u, "m")}, turn, "")
	require.NoError(t, err)

	req := u.last.Load().(completionRequest)
	require.Len(t, req.Messages, len(turn)+1)
	assert.Equal(t, models.ChatMessage{Role: models.RoleSystem, Content: ""}, req.Messages[0])
}
