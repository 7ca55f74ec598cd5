package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"frameworks/crowsnest/internal/aggregate"
	"frameworks/crowsnest/internal/ingest"
	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/pkg/auth"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/models"
	"frameworks/crowsnest/pkg/monitoring"
)

var testSecret = []byte("handler-test-secret")

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingBroadcaster) Broadcast(_ string, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, payload)
	return 1
}

type discardSink struct{}

func (discardSink) InsertEvents(context.Context, []models.Event) error { return nil }
func (discardSink) UpsertAggregates(context.Context, time.Time, int64, int64) error {
	return nil
}

type fixture struct {
	router      *gin.Engine
	broadcaster *recordingBroadcaster
	pipeline    *ingest.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	m := metrics.New(monitoring.NewMetricsCollector("handlertest", "dev", "none"))

	b := &recordingBroadcaster{}
	pipeline := ingest.New(ingest.Config{
		Aggregator:  aggregate.New(),
		Sink:        discardSink{},
		Broadcaster: b,
		Logger:      logger,
		Metrics:     m,
	})
	h := New(pipeline, nil, testSecret, logger, m)

	router := gin.New()
	router.GET("/token", h.Token)
	router.POST("/ingest", auth.RequireAuth(testSecret), h.Ingest)

	return &fixture{router: router, broadcaster: b, pipeline: pipeline}
}

func (f *fixture) request(t *testing.T, method, target, body string, authenticated bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if authenticated {
		token, err := auth.GenerateToken("u1", time.Hour, testSecret)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestIngestRequiresAuth(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodPost, "/ingest", `[{"eventId":"A"}]`, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "unauthorized", decodeBody(t, w)["error"])
}

func TestIngestEmptyPayload(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{"", "[]", "   ", "{not json"} {
		w := f.request(t, http.MethodPost, "/ingest", body, true)
		require.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		require.Equal(t, "empty payload", decodeBody(t, w)["error"], "body %q", body)
	}
}

func TestIngestAllRecordsFiltered(t *testing.T) {
	f := newFixture(t)
	// Present but invalid records: one missing sessionId, one missing action
	body := `[
		{"eventId":"A","ts":1000,"userId":"u1","route":"/","action":"view"},
		{"eventId":"B","ts":1000,"userId":"u1","sessionId":"s1","route":"/"}
	]`
	w := f.request(t, http.MethodPost, "/ingest", body, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "no valid events", decodeBody(t, w)["error"])
}

func TestIngestSingleEventFlow(t *testing.T) {
	f := newFixture(t)
	body := `{"eventId":"A","ts":1000,"userId":"u1","sessionId":"s1","route":"/","action":"view","metadata":{}}`
	w := f.request(t, http.MethodPost, "/ingest", body, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decodeBody(t, w)["accepted"])

	drainPipeline(t, f.pipeline)
	f.broadcaster.mu.Lock()
	defer f.broadcaster.mu.Unlock()
	require.Len(t, f.broadcaster.frames, 1)

	var frame models.OutboundFrame
	require.NoError(t, json.Unmarshal(f.broadcaster.frames[0], &frame))
	require.Equal(t, models.FrameDelta, frame.Type)
	for _, label := range []string{"1s", "5s", "60s"} {
		stats := frame.Data[label]
		require.Equal(t, int64(1), stats.Count, label)
		require.Equal(t, 1, stats.Uniques, label)
		require.Equal(t, int64(0), stats.Errors, label)
		require.Equal(t, []models.RouteCount{{Route: "/", Count: 1}}, stats.Routes, label)
	}
}

func TestIngestFiltersInvalidRecordsPerRecord(t *testing.T) {
	f := newFixture(t)
	body := `[
		{"eventId":"A","ts":1000,"userId":"u1","sessionId":"s1","route":"/","action":"view","metadata":{}},
		{"eventId":"B","ts":1000,"userId":"u1","route":"/","action":"view"}
	]`
	w := f.request(t, http.MethodPost, "/ingest", body, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decodeBody(t, w)["accepted"])

	drainPipeline(t, f.pipeline)
	f.broadcaster.mu.Lock()
	defer f.broadcaster.mu.Unlock()
	require.Len(t, f.broadcaster.frames, 1)
	var frame models.OutboundFrame
	require.NoError(t, json.Unmarshal(f.broadcaster.frames[0], &frame))
	require.Equal(t, int64(1), frame.Data["1s"].Count, "delta must reflect the surviving event only")
}

func TestTokenDefaultsSubject(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/token", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	token, ok := decodeBody(t, w)["token"].(string)
	require.True(t, ok)
	claims, err := auth.ValidateToken(token, testSecret)
	require.NoError(t, err)
	require.Equal(t, "demo", claims.Subject)
	require.InDelta(t, time.Now().Add(12*time.Hour).Unix(), claims.ExpiresAt.Unix(), 60)
}

func TestTokenHonorsUserID(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/token?userId=alice", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	token := decodeBody(t, w)["token"].(string)
	claims, err := auth.ValidateToken(token, testSecret)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "alice", claims.UserID)
}

func drainPipeline(t *testing.T, p *ingest.Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}
