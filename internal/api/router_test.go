package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/api"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/api/handlers"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/bus"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/campaign"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/config"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/pipeline"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/resilience"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/store"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Submit(_ context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	return &pipeline.Result{AssetRef: "mem://" + req.JobID}, nil
}

type fixture struct {
	handler  http.Handler
	contexts *campaign.Store
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	contexts := campaign.New(store.NewMemoryBackend(), campaign.DefaultConfig())
	b := bus.New(bus.DefaultConfig())
	breakers := resilience.NewBreakerSet(resilience.DefaultBreakerConfig())
	quota := resilience.NewQuotaController("video", resilience.QuotaConfig{DailyLimit: 10, UnitCost: 0.5})
	cache := resilience.NewResultCache(time.Hour)

	p := pipeline.New(pipeline.Config{Workers: 2, MaxRetries: 1, ProviderTimeout: time.Second}, pipeline.Deps{
		Fallback: stubProvider{},
		Cache:    cache,
		Breakers: breakers,
		Quota:    quota,
		Events:   contexts,
		Notifier: b,
	})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		p.Stop()
		b.Close()
	})

	cfg := &config.Config{Version: "test"}
	h := handlers.New(contexts, b, p, breakers, quota, cache)
	return &fixture{handler: api.NewRouter(cfg, h), contexts: contexts, bus: b, pipeline: p}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, "test", decode[map[string]string](t, rec)["version"])
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"id":       "spring-launch",
		"metadata": map[string]string{"owner": "growth"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.CampaignContext](t, rec)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "growth", created.Metadata["owner"])

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns", map[string]string{"id": "spring-launch"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/spring-launch/events", models.GenerationEvent{
		Stage:   models.StageBusinessAnalysis,
		Agent:   "analyst",
		Success: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[models.GenerationEvent](t, rec)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/spring-launch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.CampaignContext](t, rec)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []models.Stage{models.StageBusinessAnalysis}, got.CompletedStages)
	require.Len(t, got.GenerationHistory, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	assert.Equal(t, []string{"spring-launch"}, decode[[]string](t, rec))

	rec = f.do(t, http.MethodDelete, "/api/v1/campaigns/spring-launch", nil)
	assert.Equal(t, true, decode[map[string]interface{}](t, rec)["deleted"])

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/spring-launch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCampaignErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"invalid id", http.MethodPost, "/api/v1/campaigns", map[string]string{"id": ".."}, http.StatusBadRequest},
		{"garbage body", http.MethodPost, "/api/v1/campaigns", "not an object", http.StatusBadRequest},
		{"event on missing campaign", http.MethodPost, "/api/v1/campaigns/ghost/events",
			models.GenerationEvent{Stage: models.StagePublishing, Agent: "publisher"}, http.StatusNotFound},
		{"unknown stage", http.MethodPost, "/api/v1/campaigns/ghost/events",
			models.GenerationEvent{Stage: "dreaming", Agent: "publisher"}, http.StatusBadRequest},
		{"missing job", http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound},
		{"empty prompt", http.MethodPost, "/api/v1/jobs", map[string]string{"campaign_id": "c1"}, http.StatusBadRequest},
		{"missing message", http.MethodGet, "/api/v1/messages/nope", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/messages?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestEnqueueJobRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	_, err := f.contexts.Create(context.Background(), "c1", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{
		"campaign_id": "c1",
		"target_id":   "post-1",
		"kind":        "image",
		"prompt":      "a lighthouse at dawn",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decode[map[string]string](t, rec)["job_id"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
		return decode[models.Job](t, rec).Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/c1/status", nil)
	st := decode[models.CampaignStatus](t, rec)
	assert.Equal(t, 1, st.TotalJobs)
	assert.Equal(t, 1, st.CompletedJobs)
	assert.InDelta(t, 1.0, st.OverallProgress, 1e-9)

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/c1/jobs", nil)
	assert.Len(t, decode[[]models.Job](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs?campaign_id=other", nil)
	assert.Empty(t, decode[[]models.Job](t, rec))

	require.Eventually(t, func() bool {
		cc, err := f.contexts.Get(context.Background(), "c1")
		return err == nil && cc.HasStage(models.StageImageGeneration)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMessagesAndAgents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.RegisterAgent("strategist", nil))
	require.NoError(t, f.bus.RegisterAgent("visual", nil))

	rec := f.do(t, http.MethodPost, "/api/v1/messages", map[string]interface{}{
		"type":        models.MsgStageComplete,
		"sender":      "strategist",
		"recipients":  []string{"visual", "nobody"},
		"campaign_id": "c1",
		"payload":     map[string]string{"stage": "content_strategy", "agent": "strategist"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sent := decode[struct {
		Delivered bool           `json:"delivered"`
		Message   models.Message `json:"message"`
	}](t, rec)
	assert.True(t, sent.Delivered)
	assert.Equal(t, []string{"nobody"}, sent.Message.FailedDeliveries)
	assert.Equal(t, models.StageComplete{Stage: models.StageContentStrategy, Agent: "strategist"}, sent.Message.Payload)

	rec = f.do(t, http.MethodGet, "/api/v1/messages?campaign_id=c1", nil)
	history := decode[[]models.Message](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, sent.Message.ID, history[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/messages/"+sent.Message.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/agents", nil)
	assert.Len(t, decode[[]models.AgentInfo](t, rec), 2)

	rec = f.do(t, http.MethodPost, "/api/v1/messages", map[string]interface{}{
		"type":       "NOT_A_TYPE",
		"sender":     "strategist",
		"recipients": []string{"visual"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuardsStatsAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/guards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	guards := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, guards, "breakers")
	assert.Contains(t, guards, "quota")
	assert.Contains(t, guards, "result_cache")
	assert.Contains(t, guards, "context_cache")

	rec = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Contains(t, decode[map[string]json.RawMessage](t, rec), "bus")

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStreamMessages(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.RegisterAgent("analyst", nil))
	require.NoError(t, f.bus.RegisterAgent("strategist", nil))

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/messages/stream?campaign_id=c1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	other := models.NewMessage("analyst", []string{"strategist"}, "c2", models.ProgressUpdate{Stage: models.StageBusinessAnalysis, Progress: 0.5})
	_, err = f.bus.Send(context.Background(), other)
	require.NoError(t, err)
	msg := models.NewMessage("analyst", []string{"strategist"}, "c1", models.StageComplete{Stage: models.StageBusinessAnalysis, Agent: "analyst"})
	_, err = f.bus.Send(context.Background(), msg)
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got models.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got))
		assert.Equal(t, msg.ID, got.ID)
		return
	}
	t.Fatalf("stream ended without a message: %v", scanner.Err())
}
