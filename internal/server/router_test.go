package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ogkauann/comunidade-beta/internal/config"
	"github.com/ogkauann/comunidade-beta/internal/db"
	"github.com/ogkauann/comunidade-beta/internal/history"
	"github.com/ogkauann/comunidade-beta/internal/hub"
	"github.com/ogkauann/comunidade-beta/internal/moderation"
	"github.com/ogkauann/comunidade-beta/internal/notify"
	"github.com/ogkauann/comunidade-beta/internal/pipeline"
	"github.com/ogkauann/comunidade-beta/internal/presence"
	"github.com/ogkauann/comunidade-beta/internal/service"
	"github.com/ogkauann/comunidade-beta/internal/ws"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() config.Config {
	return config.Config{
		Port:                  "0",
		JWTSecret:             "test-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		TypingTTLSeconds:      3,
		AdapterTimeoutSeconds: 2,
		SendQueueSize:         64,
		DefaultPageSize:       50,
		ModerationBlocklist:   []string{"palavrao"},
	}
}

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig()
	h := hub.NewHub()
	tracker := presence.NewTracker(h, time.Duration(cfg.TypingTTLSeconds)*time.Second)

	userSvc := service.NewUserService(gdb, cfg)
	roomSvc := service.NewRoomService(gdb, h)
	msgSvc := service.NewMessageService(gdb)
	pager := history.NewPager(history.NewGormStore(gdb), cfg.DefaultPageSize)

	notifier := notify.NewLogNotifier()
	checker := moderation.NewWordFilter(cfg.ModerationBlocklist)
	reporter := moderation.NewReporter(gdb, notifier, userSvc.Moderators)

	pipe := pipeline.New(msgSvc, roomSvc, checker, notifier, h, time.Duration(cfg.AdapterTimeoutSeconds)*time.Second)
	gateway := ws.NewGateway(cfg, gdb, h, tracker, pipe, roomSvc, pager, reporter)
	handler := NewHandler(userSvc, roomSvc, pipe, pager)

	return SetupRouter(cfg, gdb, handler, gateway)
}

func TestHealthz(t *testing.T) {
	engine := newTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func postJSON(t *testing.T, engine *gin.Engine, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func registerAndLogin(t *testing.T, engine *gin.Engine, username string) string {
	t.Helper()
	if w := postJSON(t, engine, "/api/v1/auth/register", "", gin.H{"username": username, "password": "hunter2"}); w.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body)
	}
	w := postJSON(t, engine, "/api/v1/auth/login", "", gin.H{"username": username, "password": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Fatalf("login response: %s", w.Body)
	}
	return resp.AccessToken
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var ev map[string]interface{}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("ws decode %s: %v", data, err)
	}
	return ev
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev interface{}) {
	t.Helper()
	if err := conn.WriteJSON(ev); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func TestWS_RejectsMissingToken(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake status = %v, want 401", resp)
	}
}

// 完整场景：A 进入 general，B 进入（A 收到加入提示），B 发 "hello"
// （双方收到同一条消息），B 断开（A 收到离开提示）。
func TestWS_RoomScenario(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	aliceToken := registerAndLogin(t, engine, "alice")
	bobToken := registerAndLogin(t, engine, "bob")
	if w := postJSON(t, engine, "/api/v1/rooms", aliceToken, gin.H{"name": "general"}); w.Code != http.StatusOK {
		t.Fatalf("create room: %d %s", w.Code, w.Body)
	}

	alice := dialWS(t, srv, aliceToken)
	defer alice.Close()
	sendEvent(t, alice, gin.H{"type": "join_room", "room": "general"})
	if ev := readEvent(t, alice); ev["type"] != "historical_messages" {
		t.Fatalf("alice first event = %v, want historical_messages", ev["type"])
	}

	bob := dialWS(t, srv, bobToken)
	sendEvent(t, bob, gin.H{"type": "join_room", "room": "general"})
	if ev := readEvent(t, bob); ev["type"] != "historical_messages" {
		t.Fatalf("bob first event = %v, want historical_messages", ev["type"])
	}

	// Alice sees the join notice; bob must not see one about himself.
	joined := readEvent(t, alice)
	if joined["kind"] != "system" || joined["body"] != "bob joined" {
		t.Fatalf("alice join notice = %v", joined)
	}

	sendEvent(t, bob, gin.H{"type": "send_message", "room_id": 1, "body": "hello"})
	gotA := readEvent(t, alice)
	gotB := readEvent(t, bob)
	for who, got := range map[string]map[string]interface{}{"alice": gotA, "bob": gotB} {
		if got["type"] != "receive_message" || got["body"] != "hello" || got["username"] != "bob" {
			t.Fatalf("%s received %v", who, got)
		}
	}
	if gotA["id"] != gotB["id"] || gotA["created_at"] != gotB["created_at"] {
		t.Error("subscribers saw different canonical message")
	}

	bob.Close()
	left := readEvent(t, alice)
	if left["kind"] != "system" || left["body"] != "bob left" {
		t.Fatalf("alice leave notice = %v", left)
	}
}

func TestWS_ModeratedMessageRejected(t *testing.T) {
	engine := newTestEngine(t)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	token := registerAndLogin(t, engine, "alice")
	if w := postJSON(t, engine, "/api/v1/rooms", token, gin.H{"name": "general"}); w.Code != http.StatusOK {
		t.Fatalf("create room: %d %s", w.Code, w.Body)
	}

	conn := dialWS(t, srv, token)
	defer conn.Close()
	sendEvent(t, conn, gin.H{"type": "join_room", "room": "general"})
	readEvent(t, conn) // historical_messages

	sendEvent(t, conn, gin.H{"type": "send_message", "room_id": 1, "body": "tem palavrao aqui"})
	ev := readEvent(t, conn)
	if ev["type"] != "error" || ev["code"] != "content_rejected" {
		t.Fatalf("event = %v, want content_rejected error", ev)
	}

	// Nothing was persisted.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	var resp struct {
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pagination.Total != 0 {
		t.Errorf("persisted %d messages, want 0", resp.Pagination.Total)
	}
}

func TestREST_MessagesPagination(t *testing.T) {
	engine := newTestEngine(t)
	token := registerAndLogin(t, engine, "alice")
	if w := postJSON(t, engine, "/api/v1/rooms", token, gin.H{"name": "general"}); w.Code != http.StatusOK {
		t.Fatalf("create room: %d %s", w.Code, w.Body)
	}
	for i := 0; i < 25; i++ {
		w := postJSON(t, engine, "/api/v1/messages", token, gin.H{"room_id": 1, "body": fmt.Sprintf("m%d", i)})
		if w.Code != http.StatusCreated {
			t.Fatalf("create message %d: %d %s", i, w.Code, w.Body)
		}
	}

	fetch := func(page int) (int, int, int) {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/messages/1?page=%d&limit=20", page), nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("list page %d: %d %s", page, w.Code, w.Body)
		}
		var resp struct {
			Messages   []json.RawMessage `json:"messages"`
			Pagination struct {
				Total int `json:"total"`
				Pages int `json:"pages"`
			} `json:"pagination"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return len(resp.Messages), resp.Pagination.Total, resp.Pagination.Pages
	}

	if n, total, pages := fetch(1); n != 20 || total != 25 || pages != 2 {
		t.Errorf("page 1 = %d/%d/%d, want 20/25/2", n, total, pages)
	}
	if n, _, _ := fetch(2); n != 5 {
		t.Errorf("page 2 = %d messages, want 5", n)
	}
}

// 非成员对私有房间的任何消息写操作都必须拿到 403，且响应不得泄露房间内容。
func TestREST_PrivateRoomForbidden(t *testing.T) {
	engine := newTestEngine(t)
	ownerToken := registerAndLogin(t, engine, "alice")
	outsiderToken := registerAndLogin(t, engine, "mallory")

	if w := postJSON(t, engine, "/api/v1/rooms", ownerToken, gin.H{"name": "secret", "private": true}); w.Code != http.StatusOK {
		t.Fatalf("create room: %d %s", w.Code, w.Body)
	}
	if w := postJSON(t, engine, "/api/v1/messages", ownerToken, gin.H{"room_id": 1, "body": "classified"}); w.Code != http.StatusCreated {
		t.Fatalf("owner message: %d %s", w.Code, w.Body)
	}

	if w := postJSON(t, engine, "/api/v1/messages", outsiderToken, gin.H{"room_id": 1, "body": "hi"}); w.Code != http.StatusForbidden {
		t.Errorf("outsider create = %d, want 403 (%s)", w.Code, w.Body)
	}
	w := postJSON(t, engine, "/api/v1/messages/1/reactions", outsiderToken, gin.H{"emoji": "x"})
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider reaction = %d, want 403", w.Code)
	}
	if strings.Contains(w.Body.String(), "classified") {
		t.Error("reaction response leaked the private message body")
	}
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/messages/1/reactions/x", nil)
	req.Header.Set("Authorization", "Bearer "+outsiderToken)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider remove reaction = %d, want 403", rec.Code)
	}

	// 成员不受影响。
	if w := postJSON(t, engine, "/api/v1/messages/1/reactions", ownerToken, gin.H{"emoji": "x"}); w.Code != http.StatusOK {
		t.Errorf("owner reaction = %d (%s)", w.Code, w.Body)
	}
}

func TestREST_RequiresAuth(t *testing.T) {
	engine := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/1", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
