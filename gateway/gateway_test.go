package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/m4xw311/nexus/auth"
	"github.com/m4xw311/nexus/config"
	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/llm"
	"github.com/m4xw311/nexus/prompt"
	"github.com/m4xw311/nexus/session"
	"github.com/m4xw311/nexus/stream"
	"github.com/m4xw311/nexus/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTool struct {
	name  string
	out   string
	err   error
	calls atomic.Int32
}

func (s *stubTool) Name() string                        { return s.name }
func (s *stubTool) Description() string                 { return s.name }
func (s *stubTool) InputSchema() map[string]interface{} { return nil }
func (s *stubTool) Execute(context.Context, map[string]interface{}) (string, error) {
	s.calls.Add(1)
	return s.out, s.err
}

type fakeSession struct {
	tools  []tools.Tool
	closes atomic.Int32
}

func (f *fakeSession) Tools() []tools.Tool { return f.tools }
func (f *fakeSession) Close() error        { f.closes.Add(1); return nil }

type fakeOpener struct {
	opens atomic.Int32
	sess  *fakeSession
	err   error
}

func (f *fakeOpener) Open(context.Context) (tools.Session, error) {
	f.opens.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func newOpener(ts ...tools.Tool) *fakeOpener {
	return &fakeOpener{sess: &fakeSession{tools: ts}}
}

func testConfig() *config.Config {
	return &config.Config{
		MaxSteps:        5,
		HistoryWindow:   20,
		MaxBodyBytes:    1 << 20,
		CORSAllowOrigin: "*",
		Auth: config.Auth{
			Secret:        testSecret,
			AdminUsername: "admin",
			TokenTTL:      time.Hour,
		},
		Routes: config.Routes{
			Chat:    "/chat",
			ChatWS:  "/chat/ws",
			Login:   "/login",
			Health:  "/health",
			Metrics: "/metrics",
		},
	}
}

func newServer(t *testing.T, cfg *config.Config, client llm.LLMClient, opener tools.Opener) *Server {
	t.Helper()
	s, err := New(Options{
		Config:      cfg,
		Client:      client,
		Opener:      opener,
		Instruction: &prompt.Instruction{Text: "You are a SQL assistant.", Version: "test"},
		Registry:    prometheus.NewRegistry(),
		Heartbeat:   -1,
	})
	require.NoError(t, err)
	return s
}

func token(t *testing.T, secret string, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.NewJWTAuthenticator(secret, ttl).Issue("alice", "admin")
	require.NoError(t, err)
	return tok
}

func chatBody(texts ...string) string {
	var msgs []map[string]interface{}
	for i, text := range texts {
		msgs = append(msgs, map[string]interface{}{
			"id":    fmt.Sprintf("m%d", i),
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": text}},
		})
	}
	data, _ := json.Marshal(map[string]interface{}{"messages": msgs})
	return string(data)
}

func postChat(s *Server, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// parseSSE returns the frames of an event stream and whether it ended
// with the [DONE] sentinel.
func parseSSE(t *testing.T, body string) ([]stream.Frame, bool) {
	t.Helper()
	var frames []stream.Frame
	done := false
	for _, event := range strings.Split(body, "\n\n") {
		if !strings.HasPrefix(event, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(event, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		var f stream.Frame
		require.NoError(t, json.Unmarshal([]byte(payload), &f))
		frames = append(frames, f)
	}
	return frames, done
}

// withoutBoundaries drops step-boundary frames.
func withoutBoundaries(frames []stream.Frame) []stream.FrameType {
	var out []stream.FrameType
	for _, f := range frames {
		if f.Type != stream.TypeStepBoundary {
			out = append(out, f.Type)
		}
	}
	return out
}

func TestChatListTablesScenario(t *testing.T) {
	lt := &stubTool{name: "list_tables", out: `["Users","Roles"]`}
	opener := newOpener(lt)
	client := &llm.MockLLMClient{Steps: []llm.MockStep{
		{ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "list_tables", Args: map[string]interface{}{}}}},
		{Text: []string{"You have ", "2 tables."}},
	}}
	s := newServer(t, testConfig(), client, opener)

	rec := postChat(s, chatBody("What tables are there?"), token(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames, done := parseSSE(t, rec.Body.String())
	assert.True(t, done)
	assert.Equal(t, []stream.FrameType{
		stream.TypeToolCallStarted,
		stream.TypeToolCallResult,
		stream.TypeTextDelta,
		stream.TypeTextDelta,
		stream.TypeDone,
	}, withoutBoundaries(frames))

	assert.Equal(t, "list_tables", frames[0].ToolName)
	assert.Equal(t, `["Users","Roles"]`, frames[1].Output)
	assert.False(t, frames[1].IsError)
	last := frames[len(frames)-1]
	assert.Equal(t, "stop", last.FinishReason)
	assert.NotEmpty(t, last.MessageID)

	assert.Equal(t, int32(1), opener.opens.Load())
	assert.Equal(t, int32(1), opener.sess.closes.Load())
	assert.Equal(t, int32(1), lt.calls.Load())

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "You are a SQL assistant.", reqs[0].System)
}

func TestChatWithoutToolCalls(t *testing.T) {
	lt := &stubTool{name: "list_tables"}
	opener := newOpener(lt)
	client := &llm.MockLLMClient{Steps: []llm.MockStep{{Text: []string{"Hello."}}}}
	s := newServer(t, testConfig(), client, opener)

	rec := postChat(s, chatBody("hi"), token(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)
	frames, _ := parseSSE(t, rec.Body.String())
	assert.Equal(t, []stream.FrameType{stream.TypeTextDelta, stream.TypeDone}, withoutBoundaries(frames))
	assert.Len(t, client.Requests(), 1)
	assert.Equal(t, int32(0), lt.calls.Load())
	assert.Equal(t, int32(1), opener.sess.closes.Load())
}

func TestChatUnauthenticatedNeverOpensSession(t *testing.T) {
	cases := map[string]string{
		"missing header":  "",
		"expired token":   token(t, testSecret, -time.Hour),
		"wrong signature": token(t, "another-secret", time.Hour),
		"garbage":         "not-a-jwt",
	}
	for name, bearer := range cases {
		t.Run(name, func(t *testing.T) {
			opener := newOpener()
			client := &llm.MockLLMClient{}
			s := newServer(t, testConfig(), client, opener)

			rec := postChat(s, chatBody("hi"), bearer)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
			assert.Equal(t, int32(0), opener.opens.Load())
			assert.Empty(t, client.Requests())
		})
	}
}

func TestChatMalformedBody(t *testing.T) {
	bodies := map[string]string{
		"not json":     "{",
		"no messages":  `{"msgs": []}`,
		"unknown role": `{"messages":[{"role":"wizard","content":"x"}]}`,
		"wrong shape":  `{"messages":"hello"}`,
		"array body":   `[]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			opener := newOpener()
			s := newServer(t, testConfig(), &llm.MockLLMClient{}, opener)

			rec := postChat(s, body, token(t, testSecret, time.Hour))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"bad request"}`, rec.Body.String())
			assert.Equal(t, int32(0), opener.opens.Load())
		})
	}
}

func TestChatBodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 64
	opener := newOpener()
	s := newServer(t, cfg, &llm.MockLLMClient{}, opener)

	rec := postChat(s, chatBody(strings.Repeat("x", 200)), token(t, testSecret, time.Hour))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), opener.opens.Load())
}

func TestChatToolProviderUnavailable(t *testing.T) {
	opener := &fakeOpener{err: errors.Kindf(errors.ErrToolProviderUnavailable, nil, "spawn failed: secret detail")}
	client := &llm.MockLLMClient{}
	s := newServer(t, testConfig(), client, opener)

	rec := postChat(s, chatBody("hi"), token(t, testSecret, time.Hour))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret detail")
	assert.Empty(t, client.Requests())
}

func TestChatModelErrorAtStepTwoClosesSessionOnce(t *testing.T) {
	lt := &stubTool{name: "list_tables", out: "[]"}
	opener := newOpener(lt)
	client := &llm.MockLLMClient{Steps: []llm.MockStep{
		{Text: []string{"Let me look."}, ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "list_tables"}}},
		{Err: fmt.Errorf("upstream 503: internal detail")},
	}}
	cfg := testConfig()
	cfg.MaxSteps = 5
	s := newServer(t, cfg, client, opener)

	rec := postChat(s, chatBody("tables?"), token(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)

	frames, done := parseSSE(t, rec.Body.String())
	assert.True(t, done)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, stream.TypeError, last.Type)
	assert.Equal(t, "An error occurred while generating the response.", last.ErrorText)
	assert.NotContains(t, rec.Body.String(), "internal detail")
	assert.Equal(t, stream.TypeTextDelta, frames[0].Type)

	assert.Equal(t, int32(1), opener.opens.Load())
	assert.Equal(t, int32(1), opener.sess.closes.Load())
}

func TestChatToolErrorFeedsBackToModel(t *testing.T) {
	rd := &stubTool{name: "read_data", err: fmt.Errorf("login failed for user 'sa'")}
	opener := newOpener(rd)
	client := &llm.MockLLMClient{Steps: []llm.MockStep{
		{ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "read_data"}}},
		{Text: []string{"I could not read the data."}},
	}}
	s := newServer(t, testConfig(), client, opener)

	rec := postChat(s, chatBody("read it"), token(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)

	frames, _ := parseSSE(t, rec.Body.String())
	assert.Equal(t, []stream.FrameType{
		stream.TypeToolCallStarted,
		stream.TypeToolCallResult,
		stream.TypeTextDelta,
		stream.TypeDone,
	}, withoutBoundaries(frames))
	assert.True(t, frames[1].IsError)
	assert.Equal(t, "tool invocation failed", frames[1].Output)
	assert.NotContains(t, rec.Body.String(), "login failed")

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	toolMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, "login failed")
}

func TestChatStepBudgetExhausted(t *testing.T) {
	lt := &stubTool{name: "list_tables", out: "[]"}
	step := llm.MockStep{
		Text:      []string{"still looking"},
		ToolCalls: []session.ToolCall{{ToolCallID: "c", Name: "list_tables"}},
	}
	run := func() []stream.Frame {
		opener := newOpener(lt)
		client := &llm.MockLLMClient{Steps: []llm.MockStep{step, step, step}}
		cfg := testConfig()
		cfg.MaxSteps = 2
		s := newServer(t, cfg, client, opener)

		rec := postChat(s, chatBody("loop"), token(t, testSecret, time.Hour))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(1), opener.sess.closes.Load())
		assert.Len(t, client.Requests(), 2)
		frames, _ := parseSSE(t, rec.Body.String())
		return frames
	}

	frames := run()
	last := frames[len(frames)-1]
	assert.Equal(t, stream.TypeDone, last.Type)
	assert.Equal(t, "step-budget-exhausted", last.FinishReason)

	var texts int
	for _, f := range frames {
		if f.Type == stream.TypeTextDelta {
			texts++
		}
	}
	assert.Equal(t, 2, texts)
	assert.Len(t, run(), len(frames))
}

func TestChatWindowsHistory(t *testing.T) {
	var texts []string
	for i := 1; i <= 25; i++ {
		texts = append(texts, fmt.Sprintf("question %d", i))
	}
	client := &llm.MockLLMClient{Steps: []llm.MockStep{{Text: []string{"ok"}}}}
	s := newServer(t, testConfig(), client, newOpener())

	rec := postChat(s, chatBody(texts...), token(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 20)
	assert.Equal(t, "question 6", msgs[0].Text())
	assert.Equal(t, "question 25", msgs[19].Text())
}

func TestChatEmptyTranscript(t *testing.T) {
	client := &llm.MockLLMClient{Steps: []llm.MockStep{{Text: []string{"Hi, ask me about your data."}}}}
	s := newServer(t, testConfig(), client, newOpener())

	rec := postChat(s, `{"messages":[]}`, token(t, testSecret, time.Hour))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, client.Requests(), 1)
	assert.Empty(t, client.Requests()[0].Messages)
}

// cancellingClient cancels the request context in the middle of its first
// turn, the way a closed browser tab would.
type cancellingClient struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (c *cancellingClient) Chat(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*session.Message, error) {
	c.calls.Add(1)
	if err := onDelta("partial"); err != nil {
		return nil, err
	}
	c.cancel()
	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   "partial",
		ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "list_tables"}},
	}, nil
}

type memWriter struct {
	frames []stream.Frame
	closes int
	// failTerminal makes done and error frames fail to write.
	failTerminal bool
}

func (m *memWriter) WriteFrame(f stream.Frame) error {
	if m.failTerminal && f.Terminal() {
		return fmt.Errorf("broken pipe")
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *memWriter) Close() error { m.closes++; return nil }

func TestConverseClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancellingClient{cancel: cancel}
	lt := &stubTool{name: "list_tables", out: "[]"}
	opener := newOpener(lt)
	c := &Controller{Opener: opener}
	c.Agent.Client = client
	c.Agent.MaxSteps = 5

	w := &memWriter{}
	outcome, err := c.Converse(ctx, &ChatRequest{Messages: []session.Message{{Role: "user", Content: "x"}}},
		func() stream.Writer { return w }, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClientDisconnect, outcome)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, int32(1), opener.sess.closes.Load())
	assert.Equal(t, 1, w.closes)
	for _, f := range w.frames {
		assert.False(t, f.Terminal())
	}
}

func TestConverseClosesWriterWhenTerminalWriteFails(t *testing.T) {
	cases := map[string]struct {
		step llm.MockStep
		want Outcome
	}{
		"done":        {step: llm.MockStep{Text: []string{"ok"}}, want: OutcomeClientDisconnect},
		"model error": {step: llm.MockStep{Err: fmt.Errorf("upstream 503")}, want: OutcomeModelError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			opener := newOpener()
			c := &Controller{Opener: opener}
			c.Agent.Client = &llm.MockLLMClient{Steps: []llm.MockStep{tc.step}}

			w := &memWriter{failTerminal: true}
			outcome, err := c.Converse(context.Background(), &ChatRequest{Messages: []session.Message{{Role: "user", Content: "x"}}},
				func() stream.Writer { return w }, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)
			assert.Equal(t, 1, w.closes)
			assert.Equal(t, int32(1), opener.sess.closes.Load())
		})
	}
}

func TestConverseWrapsOpenErrors(t *testing.T) {
	c := &Controller{Opener: &fakeOpener{err: fmt.Errorf("exec: not found")}}
	c.Agent.Client = &llm.MockLLMClient{}
	called := false

	_, err := c.Converse(context.Background(), &ChatRequest{}, func() stream.Writer {
		called = true
		return &memWriter{}
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrToolProviderUnavailable))
	assert.False(t, called)
}

func TestLogin(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Auth.AdminPasswordHash = hash
	client := &llm.MockLLMClient{Steps: []llm.MockStep{{Text: []string{"ok"}}}}
	s := newServer(t, cfg, client, newOpener())

	login := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := login(`{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid credentials"}`, rec.Body.String())

	rec = login(`{"username":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = login(`{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	chat := postChat(s, chatBody("hi"), resp.Token)
	assert.Equal(t, http.StatusOK, chat.Code)
}

func TestHealthAndRouting(t *testing.T) {
	s := newServer(t, testConfig(), &llm.MockLLMClient{}, newOpener())
	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec := serve(http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	_, err := time.Parse(time.RFC3339, health["timestamp"])
	assert.NoError(t, err)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(http.MethodGet, "/chat")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())

	rec = serve(http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())

	rec = serve(http.MethodOptions, "/chat")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))

	postChat(s, chatBody("hi"), "")
	rec = serve(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nexus_gateway_requests_total{code="401",route="/chat"} 1`)
}

func TestAuthDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.Auth{Disabled: true}
	opener := newOpener()
	client := &llm.MockLLMClient{Steps: []llm.MockStep{{Text: []string{"ok"}}}}
	s := newServer(t, cfg, client, opener)

	rec := postChat(s, chatBody("hi"), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), opener.opens.Load())

	login := httptest.NewRecorder()
	s.Handler().ServeHTTP(login, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, login.Code)
}

func TestNewRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Secret = ""
	_, err := New(Options{
		Config:      cfg,
		Client:      &llm.MockLLMClient{},
		Opener:      newOpener(),
		Instruction: &prompt.Instruction{Text: "x"},
	})
	assert.Error(t, err)
}

func TestChatWebSocket(t *testing.T) {
	lt := &stubTool{name: "list_tables", out: `["Users"]`}
	opener := newOpener(lt)
	client := &llm.MockLLMClient{Steps: []llm.MockStep{
		{ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "list_tables"}}},
		{Text: []string{"One table."}},
	}}
	s := newServer(t, testConfig(), client, opener)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), opener.opens.Load())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+token(t, testSecret, time.Hour), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(chatBody("tables?"))))

	var frames []stream.Frame
	for {
		var f stream.Frame
		if err := conn.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
			break
		}
		frames = append(frames, f)
	}
	assert.Equal(t, []stream.FrameType{
		stream.TypeToolCallStarted,
		stream.TypeToolCallResult,
		stream.TypeTextDelta,
		stream.TypeDone,
	}, withoutBoundaries(frames))

	require.Eventually(t, func() bool { return opener.sess.closes.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestChatWebSocketMalformed(t *testing.T) {
	opener := newOpener()
	s := newServer(t, testConfig(), &llm.MockLLMClient{}, opener)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{"Authorization": []string{"Bearer " + token(t, testSecret, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))

	var f stream.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, stream.TypeError, f.Type)
	assert.Equal(t, "bad request", f.ErrorText)
	assert.Equal(t, int32(0), opener.opens.Load())
}
