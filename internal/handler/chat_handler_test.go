package handler

import (
	"bytes"
	"encoding/json"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/realtime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessageStreamsServerSentEvents(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig)
	access := env.login(t, "player")

	w, _ := env.do(t, http.MethodPost, "/api/v1/chat/messages", access, gin.H{"text": "hello there", "clientMessageId": "c-1"})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event:user_message")
	assert.Contains(t, body, "event:chunk")
	assert.Contains(t, body, "event:completion")
	assert.Contains(t, body, "event:done")
	assert.Less(t, strings.Index(body, "event:user_message"), strings.Index(body, "event:completion"))

	_, resp := env.do(t, http.MethodGet, "/api/v1/conversations/hub", access, nil)
	var hub ConversationDetail
	decode(t, resp.Data, &hub)
	require.Len(t, hub.Messages, 2)
	assert.Equal(t, model.RoleUser, hub.Messages[0].Role)
	assert.Equal(t, "Hello, player", hub.Messages[1].Text)
	assert.Equal(t, model.StatusComplete, hub.Messages[1].Status)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig)
	access := env.login(t, "player")

	w, _ := env.do(t, http.MethodPost, "/api/v1/chat/messages", access, gin.H{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = env.do(t, http.MethodPost, "/api/v1/chat/messages", access, gin.H{"text": strings.Repeat("a", 201)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = env.do(t, http.MethodPost, "/api/v1/chat/messages", access, gin.H{"text": "hi", "conversationId": "game-nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageRateLimit(t *testing.T) {
	cfg := defaultChatConfig
	cfg.SendRatePerSec = 0.001
	cfg.SendBurst = 1
	env := newTestEnv(t, cfg)
	access := env.login(t, "player")

	w, _ := env.do(t, http.MethodPost, "/api/v1/chat/messages", access, gin.H{"text": "first"})
	require.Equal(t, http.StatusOK, w.Code)
	w, resp := env.do(t, http.MethodPost, "/api/v1/chat/messages", access, gin.H{"text": "second"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var info service.ErrorInfo
	decode(t, resp.Data, &info)
	assert.Equal(t, service.CodeRateLimited, info.Code)
	assert.True(t, info.InputEnabled)
}

func TestIdleLimitersAreSwept(t *testing.T) {
	h := NewChatHandler(nil, nil, nil, nil, config.ChatConfig{SendRatePerSec: 1, SendBurst: 1})
	require.True(t, h.allow(1))
	require.True(t, h.allow(2))

	assert.Equal(t, 0, h.sweepLimiters(time.Now(), time.Minute))
	v, ok := h.limiters.Load(uint(1))
	require.True(t, ok)
	v.(*userLimiter).lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	assert.Equal(t, 1, h.sweepLimiters(time.Now(), time.Minute))
	_, ok = h.limiters.Load(uint(1))
	assert.False(t, ok)
	_, ok = h.limiters.Load(uint(2))
	assert.True(t, ok)
}

func TestSessionForgetsOldOwnMessages(t *testing.T) {
	sess := &wsSession{}
	sess.own.Store("old", time.Now().Add(-time.Hour))
	sess.own.Store("recent", time.Now())

	sess.forgetOwn(time.Now().Add(-ownTTL))

	assert.False(t, sess.isOwn(realtime.Event{Message: &model.Message{ID: "old"}}))
	assert.True(t, sess.isOwn(realtime.Event{Message: &model.Message{ID: "recent"}}))
}

func TestStopWithoutGeneration(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig)
	access := env.login(t, "player")

	w, resp := env.do(t, http.MethodPost, "/api/v1/chat/some-conversation/stop", access, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Stopped bool `json:"stopped"`
	}
	decode(t, resp.Data, &out)
	assert.False(t, out.Stopped)
}

func chatToken(t *testing.T, env *testEnv, access string) string {
	t.Helper()
	w, resp := env.do(t, http.MethodGet, "/api/v1/chat/websocket-token", access, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		ChatToken string `json:"chatToken"`
	}
	decode(t, resp.Data, &out)
	require.NotEmpty(t, out.ChatToken)
	return out.ChatToken
}

func dial(t *testing.T, srv *httptest.Server, tok string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/" + tok
	return websocket.DefaultDialer.Dial(url, nil)
}

// readUntil 读取帧直到出现指定类型，返回途中收到的全部类型。
func readUntil(t *testing.T, conn *websocket.Conn, want string) ([]string, map[string]json.RawMessage) {
	t.Helper()
	var types []string
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(&frame))
		var typ string
		require.NoError(t, json.Unmarshal(frame["type"], &typ))
		types = append(types, typ)
		if typ == want {
			return types, frame
		}
	}
}

func TestWebSocketChat(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig)
	access := env.login(t, "player")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := dial(t, srv, chatToken(t, env, access))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(gin.H{"type": "send", "text": "hello there", "clientMessageId": "ws-1"}))
	types, frame := readUntil(t, conn, service.EventCompletion)
	assert.Equal(t, service.EventUserMessage, types[0])
	assert.Contains(t, types, service.EventAssistantStarted)
	assert.Contains(t, types, service.EventChunk)
	var done service.StreamEvent
	raw, _ := json.Marshal(frame)
	require.NoError(t, json.Unmarshal(raw, &done))
	require.NotNil(t, done.Message)
	assert.Equal(t, "Hello, player", done.Message.Text)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "stop", "conversationId": done.ConversationID}))
	_, frame = readUntil(t, conn, "stopped")
	assert.JSONEq(t, "false", string(frame["stopped"]))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	types, _ = readUntil(t, conn, service.EventError)
	assert.Equal(t, []string{service.EventError}, types)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "ping"}))
	readUntil(t, conn, "pong")
}

func TestWebSocketRequiresChatToken(t *testing.T) {
	env := newTestEnv(t, config.ChatConfig{})
	access := env.login(t, "player")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := dial(t, srv, access)
	require.Error(t, err, "access tokens cannot open the chat socket")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
