package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/feedback"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/orchestrator"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/tools"
)

type fakeRunner struct {
	events []orchestrator.Event
	err    error
}

func (f *fakeRunner) Execute(ctx context.Context, req *orchestrator.Request) (<-chan orchestrator.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan orchestrator.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeSink struct {
	got *model.Feedback
	err error
}

func (f *fakeSink) Submit(ctx context.Context, fb *model.Feedback) (*model.Example, error) {
	f.got = fb
	if f.err != nil {
		return nil, f.err
	}
	return &model.Example{ID: "ex-1", Status: model.ExamplePendingReview}, nil
}

type fakeReviewer struct {
	queue   []*model.Example
	outcome *feedback.ReviewOutcome
	gotReq  *feedback.ReviewRequest
}

func (f *fakeReviewer) Queue(ctx context.Context, limit int) ([]*model.Example, error) {
	return f.queue, nil
}

func (f *fakeReviewer) Review(ctx context.Context, req *feedback.ReviewRequest) (*feedback.ReviewOutcome, error) {
	f.gotReq = req
	return f.outcome, nil
}

func newTestServer(runner QueryRunner, sink FeedbackSink, reviewer Reviewer) *httptest.Server {
	cfg := config.ServerConfig{}
	cfg.SetDefaults()
	s := New(cfg, runner, sink, reviewer)
	return httptest.NewServer(s.Router())
}

func resultEvent(query string) orchestrator.Event {
	return orchestrator.Event{
		Kind: orchestrator.EventResult,
		Response: &orchestrator.Response{
			ConversationID:   "c1",
			TurnID:           "t1",
			GeneratedQuery:   query,
			ConfidenceScore:  0.9,
			ValidationStatus: model.ValidationPassed,
			Iterations:       1,
		},
	}
}

func TestHandleQueryReturnsResult(t *testing.T) {
	runner := &fakeRunner{events: []orchestrator.Event{
		{Kind: orchestrator.EventProgress, Stage: orchestrator.StageStarted, Progress: 0.02},
		resultEvent("SELECT 1"),
	}}
	ts := newTestServer(runner, &fakeSink{}, &fakeReviewer{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/query", "application/json",
		strings.NewReader(`{"provider_id":"sales","query":"show orders"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body orchestrator.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "SELECT 1", body.GeneratedQuery)
	assert.Equal(t, "t1", body.TurnID)
}

func TestHandleQueryMapsErrorKinds(t *testing.T) {
	cases := []struct {
		kind protocol.ErrorKind
		want int
	}{
		{protocol.ErrInvalidRequest, http.StatusBadRequest},
		{protocol.ErrProviderUnavailable, http.StatusBadGateway},
		{protocol.ErrLLMFailure, http.StatusServiceUnavailable},
		{protocol.ErrTimeout, http.StatusGatewayTimeout},
		{protocol.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			runner := &fakeRunner{events: []orchestrator.Event{{
				Kind: orchestrator.EventError,
				Err:  protocol.NewError(tc.kind, "boom"),
			}}}
			ts := newTestServer(runner, &fakeSink{}, &fakeReviewer{})
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/api/v1/query", "application/json",
				strings.NewReader(`{"provider_id":"sales","query":"q"}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.kind, body.Error.Kind)
		})
	}
}

func TestHandleQueryRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(&fakeRunner{}, &fakeSink{}, &fakeReviewer{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/query", "application/json",
		strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleQueryStreamDeliversSSE(t *testing.T) {
	runner := &fakeRunner{events: []orchestrator.Event{
		{Kind: orchestrator.EventProgress, Stage: orchestrator.StageStarted, Progress: 0.02},
		{Kind: orchestrator.EventProgress, Stage: orchestrator.StageCompleted, Progress: 0.98},
		resultEvent("SELECT 2"),
	}}
	ts := newTestServer(runner, &fakeSink{}, &fakeReviewer{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/query/stream", "application/json",
		strings.NewReader(`{"provider_id":"sales","query":"show orders"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			frames = append(frames, strings.TrimPrefix(line, "event: "))
		}
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "progress", frames[0])
	assert.Equal(t, "result", frames[2])
}

func TestHandleFeedback(t *testing.T) {
	sink := &fakeSink{}
	ts := newTestServer(&fakeRunner{}, sink, &fakeReviewer{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/feedback", "application/json",
		strings.NewReader(`{"turn_id":"t1","rating":"up","category":"great_result","user_id":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, sink.got)
	assert.Equal(t, "t1", sink.got.TurnID)
	assert.Equal(t, model.RatingUp, sink.got.Rating)
}

func TestHandleFeedbackRejectsBadRating(t *testing.T) {
	ts := newTestServer(&fakeRunner{}, &fakeSink{}, &fakeReviewer{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/feedback", "application/json",
		strings.NewReader(`{"turn_id":"t1","rating":"sideways","user_id":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleReviewQueue(t *testing.T) {
	reviewer := &fakeReviewer{queue: []*model.Example{
		{ID: "ex-1", Priority: 120},
		{ID: "ex-2", Priority: 20},
	}}
	ts := newTestServer(&fakeRunner{}, &fakeSink{}, reviewer)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/review/queue?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Items []*model.Example `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, "ex-1", body.Items[0].ID)
}

func TestHandleReviewUsesPathID(t *testing.T) {
	reviewer := &fakeReviewer{outcome: &feedback.ReviewOutcome{
		Example: &model.Example{ID: "ex-9", Status: model.ExampleApproved},
	}}
	ts := newTestServer(&fakeRunner{}, &fakeSink{}, reviewer)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/review/ex-9", "application/json",
		strings.NewReader(`{"decision":"approve","reviewer_id":"bob"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, reviewer.gotReq)
	assert.Equal(t, "ex-9", reviewer.gotReq.ItemID)
	assert.Equal(t, feedback.DecisionApprove, reviewer.gotReq.Decision)
}

type fakeToolSource struct{}

func (fakeToolSource) ListTools(providerID string) ([]tools.ToolInfo, error) {
	if providerID != "sales" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown provider")
	}
	return []tools.ToolInfo{{Name: "list_tables"}}, nil
}

func (fakeToolSource) ExecuteTool(ctx context.Context, providerID, name string, args map[string]any) (tools.ToolResult, error) {
	if name != "list_tables" {
		return tools.ToolResult{}, &tools.UnknownToolError{Name: name}
	}
	return tools.ToolResult{Success: true, Output: []string{"orders"}, ToolName: name}, nil
}

func TestToolEndpoints(t *testing.T) {
	cfg := config.ServerConfig{}
	cfg.SetDefaults()
	s := New(cfg, &fakeRunner{}, &fakeSink{}, &fakeReviewer{}, WithToolSource(fakeToolSource{}))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/providers/sales/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Tools []tools.ToolInfo `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Tools, 1)

	resp2, err := http.Post(ts.URL+"/api/v1/providers/sales/tools/list_tables",
		"application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var result tools.ToolResult
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result))
	assert.True(t, result.Success)

	resp3, err := http.Post(ts.URL+"/api/v1/providers/sales/tools/nope",
		"application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(&fakeRunner{}, &fakeSink{}, &fakeReviewer{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
