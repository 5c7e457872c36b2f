package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabengine/internal/auth"
	"collabengine/internal/conflict"
	"collabengine/internal/events"
	"collabengine/internal/participant"
	"collabengine/internal/session"
	"collabengine/internal/transport/memory"
	"collabengine/internal/update"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	net   *memory.Network
	coord *session.Coordinator
	dir   *session.Directory
	bus   *events.Bus
	srv   *Server
}

func newFixture(t *testing.T, verifier Verifier, mode conflict.Mode) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	net := memory.NewNetwork()
	ep, err := net.Endpoint("alice")
	require.NoError(t, err)
	bus := events.NewBus(logger)

	coord := session.New(session.Options{
		Self:      participant.Participant{ID: "alice", Permissions: participant.Permissions{Actions: []string{"*"}}},
		Transport: ep,
		Events:    bus,
		Logger:    logger,
	})
	_, err = coord.CreateSession(context.Background(), "s1", "doc-1", session.Settings{MaxParticipants: 4, ConflictMode: mode})
	require.NoError(t, err)

	dir := session.NewDirectory(logger)
	dir.Register(coord)
	t.Cleanup(func() {
		dir.Close()
		_ = ep.Close()
		_ = bus.Close()
	})

	return &fixture{
		net:   net,
		coord: coord,
		dir:   dir,
		bus:   bus,
		srv:   New(Options{Sessions: dir, Events: bus, Verifier: verifier, Logger: logger}),
	}
}

// guest joins another participant to the session.
func (f *fixture) guest(t *testing.T, id string) {
	t.Helper()
	ep, err := f.net.Endpoint(id)
	require.NoError(t, err)
	coord := session.New(session.Options{
		Self:      participant.Participant{ID: id, Permissions: participant.Permissions{Actions: []string{"*"}}},
		Transport: ep,
		Logger:    zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		_ = coord.Close()
		_ = ep.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = coord.JoinSession(ctx, "s1", "alice")
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func entity(id, data string) json.RawMessage {
	return update.EncodeBody(update.Body{EntityID: id, Data: json.RawMessage(`"` + data + `"`)})
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, conflict.ModeAuto)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestReadRoutes(t *testing.T) {
	f := newFixture(t, nil, conflict.ModeAuto)
	_, err := f.coord.BroadcastUpdate(context.Background(), update.EntityCreated, entity("n1", "v1"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body map[string]interface{})
	}{
		{"list", "/sessions", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, []interface{}{"s1"}, body["sessions"])
		}},
		{"info", "/sessions/s1", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, "active", body["state"])
			assert.Equal(t, "doc-1", body["documentId"])
		}},
		{"unknown session", "/sessions/nope", http.StatusNotFound, nil},
		{"participants", "/sessions/s1/participants", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			ps := body["participants"].([]interface{})
			require.Len(t, ps, 1)
			assert.Equal(t, "online", ps[0].(map[string]interface{})["status"])
		}},
		{"participant", "/sessions/s1/participants/alice", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Equal(t, "alice", body["id"])
		}},
		{"unknown participant", "/sessions/s1/participants/bob", http.StatusNotFound, nil},
		{"updates", "/sessions/s1/updates?limit=5", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			us := body["updates"].([]interface{})
			require.Len(t, us, 1)
			assert.Equal(t, "applied", us[0].(map[string]interface{})["status"])
		}},
		{"updates by author", "/sessions/s1/updates?author=alice", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Len(t, body["updates"], 1)
		}},
		{"bad limit", "/sessions/s1/updates?limit=-1", http.StatusBadRequest, nil},
		{"conflicts", "/sessions/s1/conflicts", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.Empty(t, body["conflicts"])
		}},
		{"document", "/sessions/s1/document", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			assert.NotEmpty(t, body["digest"])
			doc := body["document"].(map[string]interface{})
			assert.Len(t, doc["entities"], 1)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, nil, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, decode(t, rec))
			}
		})
	}
}

func TestPostUpdate(t *testing.T) {
	f := newFixture(t, nil, conflict.ModeAuto)

	rec := f.do(t, http.MethodPost, "/sessions/s1/updates", gin.H{"kind": "entity-created", "payload": entity("n1", "v")}, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/sessions/s1/updates", gin.H{"kind": "teleport"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/sessions/s1/updates", gin.H{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/sessions/s1/presence", gin.H{"cursor": gin.H{"x": 1, "y": 2}}, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	p, _ := f.coord.Participant("alice")
	require.NotNil(t, p.Presence.Cursor)
	assert.Equal(t, 2.0, p.Presence.Cursor.Y)
}

func TestResolveConflict(t *testing.T) {
	f := newFixture(t, nil, conflict.ModeManual)
	f.guest(t, "x")
	f.guest(t, "y")
	now := time.Now()
	for i, author := range []string{"x", "y"} {
		_, err := f.coord.HandleRemoteUpdate(context.Background(), &update.Update{
			ID:        "u-" + author,
			Timestamp: now.Add(time.Duration(i) * time.Second),
			AuthorID:  author,
			Kind:      update.EntityUpdated,
			Payload:   entity("n1", author),
			Clock:     map[string]int64{author: 1},
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodPost, "/sessions/s1/conflicts/u-y/resolve", gin.H{"resolution": "vote"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/sessions/s1/conflicts/u-x/resolve", gin.H{"resolution": "accept"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/sessions/s1/conflicts/missing/resolve", gin.H{"resolution": "accept"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/sessions/s1/conflicts/u-y/resolve", gin.H{"resolution": "transform", "payload": entity("n1", "both")}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "transform", decode(t, rec)["resolution"])

	n1, ok := f.coord.Document().Entity("n1")
	require.True(t, ok)
	assert.JSONEq(t, `"both"`, string(n1.Data))
}

func TestLeave(t *testing.T) {
	f := newFixture(t, nil, conflict.ModeAuto)
	rec := f.do(t, http.MethodPost, "/sessions/s1/leave", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "left", decode(t, rec)["state"])

	rec = f.do(t, http.MethodPost, "/sessions/s1/updates", gin.H{"kind": "entity-created"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuth(t *testing.T) {
	provider := auth.NewProvider("secret")
	f := newFixture(t, provider, conflict.ModeAuto)

	sign := func(id string) string {
		token, err := provider.Sign(auth.Grant{ParticipantID: id, Permissions: participant.Permissions{Actions: []string{"*"}}}, time.Minute)
		require.NoError(t, err)
		return token
	}
	alice, bob := sign("alice"), sign("bob")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"health is open", http.MethodGet, "/healthz", "", http.StatusOK},
		{"missing token", http.MethodGet, "/sessions/s1", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/sessions/s1", "garbage", http.StatusUnauthorized},
		{"any participant reads", http.MethodGet, "/sessions/s1", bob, http.StatusOK},
		{"query token", http.MethodGet, "/sessions/s1?token=" + bob, "", http.StatusOK},
		{"only local writes", http.MethodPut, "/sessions/s1/presence", bob, http.StatusForbidden},
		{"local writes", http.MethodPut, "/sessions/s1/presence", alice, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body interface{}
			if tt.method != http.MethodGet {
				body = gin.H{"selection": []string{"n1"}}
			}
			rec := f.do(t, tt.method, tt.path, body, tt.token)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil, conflict.ModeAuto)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/s1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	receipt, err := f.coord.BroadcastUpdate(context.Background(), update.EntityCreated, entity("n1", "v"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.EntityCreated, evt.Kind)
	assert.Equal(t, "s1", evt.SessionID)
	require.NotNil(t, evt.Update)
	assert.Equal(t, receipt.Update.ID, evt.Update.ID)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/sessions/nope/events", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
