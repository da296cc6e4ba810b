package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabEditor/internal/authservice"
	"collabEditor/internal/store"
)

// ---- 内存假实现，协议测试不依赖 MySQL ----

type fakeDocs struct {
	mu      sync.Mutex
	docs    map[uint64]*store.Document
	members map[[2]uint64]bool // (userID, docID)
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: map[uint64]*store.Document{}, members: map[[2]uint64]bool{}}
}

func (f *fakeDocs) GetDocument(ctx context.Context, docID uint64) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docID]
	if !ok {
		return nil, store.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeDocs) Authorize(ctx context.Context, userID, docID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[docID]; !ok {
		return store.ErrDocumentNotFound
	}
	if !f.members[[2]uint64{userID, docID}] {
		return store.ErrUnauthorized
	}
	return nil
}

type fakeVersions struct {
	mu   sync.Mutex
	next map[uint64]uint64
	fail bool
	last *store.DocumentVersion
}

func (f *fakeVersions) Save(ctx context.Context, docID uint64, content string, userID uint64) (*store.DocumentVersion, error) {
	return f.CreateManualVersion(ctx, docID, content, userID, store.DescriptionAutoSave)
}

func (f *fakeVersions) CreateManualVersion(ctx context.Context, docID uint64, content string, userID uint64, description string) (*store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("storage unavailable")
	}
	if f.next == nil {
		f.next = map[uint64]uint64{}
	}
	f.next[docID]++
	f.last = &store.DocumentVersion{
		DocumentID: docID, VersionNumber: f.next[docID], Content: content,
		CreatedBy: userID, CreatedAt: time.Now(), ChangeDescription: description,
	}
	return f.last, nil
}

type fakeLocks struct {
	mu    sync.Mutex
	locks map[[2]uint64]bool
}

func (f *fakeLocks) Acquire(ctx context.Context, docID, userID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks == nil {
		f.locks = map[[2]uint64]bool{}
	}
	f.locks[[2]uint64{docID, userID}] = true
	return nil
}

func (f *fakeLocks) Release(ctx context.Context, docID, userID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, [2]uint64{docID, userID})
	return nil
}

func (f *fakeLocks) held(docID, userID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[[2]uint64{docID, userID}]
}

// ---- 测试脚手架 ----

type testEnv struct {
	srv      *httptest.Server
	hub      *Hub
	docs     *fakeDocs
	versions *fakeVersions
	locks    *fakeLocks
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		hub:      NewHub(),
		docs:     newFakeDocs(),
		versions: &fakeVersions{},
		locks:    &fakeLocks{},
	}
	manager := NewManager(env.hub, Deps{
		Docs:     env.docs,
		Versions: env.versions,
		Locks:    env.locks,
	})

	r := gin.New()
	r.GET("/collab/ws", manager.WebSocketConnect)
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) addDoc(docID uint64, content string, userIDs ...uint64) {
	e.docs.mu.Lock()
	defer e.docs.mu.Unlock()
	e.docs.docs[docID] = &store.Document{ID: docID, ProjectID: 1, Content: content}
	for _, uid := range userIDs {
		e.docs.members[[2]uint64{uid, docID}] = true
	}
}

func (e *testEnv) dial(t *testing.T, docID uint64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + fmt.Sprintf("/collab/ws?docId=%d", docID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func token(t *testing.T, userID uint64, username string) string {
	t.Helper()
	tok, _, err := authservice.SignAccessToken(userID, username, time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	return tok
}

// join 完成鉴权并返回 document_state
func (e *testEnv) join(t *testing.T, docID, userID uint64, username string) (*websocket.Conn, map[string]any) {
	t.Helper()
	conn := e.dial(t, docID)
	if err := conn.WriteJSON(map[string]any{"type": "authenticate", "token": token(t, userID, username)}); err != nil {
		t.Fatalf("write authenticate error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "document_state" {
		t.Fatalf("first message = %v, want document_state", msg)
	}
	return conn, msg
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	return msg
}

func activeUserIDs(t *testing.T, msg map[string]any) map[uint64]bool {
	t.Helper()
	raw, _ := json.Marshal(msg["activeUsers"])
	var users []ActiveUser
	if err := json.Unmarshal(raw, &users); err != nil {
		t.Fatalf("activeUsers decode error: %v", err)
	}
	ids := map[uint64]bool{}
	for _, u := range users {
		ids[u.UserID] = true
	}
	return ids
}

// ---- 协议测试 ----

func TestJoinBroadcastCompleteness(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(100, "hello", 1, 2, 3)

	connA, _ := env.join(t, 100, 1, "alice")
	connB, msgB := env.join(t, 100, 2, "bob")
	if !activeUserIDs(t, msgB)[1] {
		t.Fatal("bob's document_state missing alice")
	}
	// alice 收到 bob 的 user_joined
	joined := readMessage(t, connA)
	if joined["type"] != "user_joined" || uint64(joined["userId"].(float64)) != 2 {
		t.Fatalf("alice got %v, want user_joined for bob", joined)
	}

	// X 加入：A、B 各收到恰好一条 user_joined，X 的 document_state 含 A、B
	_, msgX := env.join(t, 100, 3, "xavier")
	ids := activeUserIDs(t, msgX)
	if !ids[1] || !ids[2] {
		t.Fatalf("xavier's activeUsers = %v, want alice+bob", ids)
	}
	for name, conn := range map[string]*websocket.Conn{"alice": connA, "bob": connB} {
		joined := readMessage(t, conn)
		if joined["type"] != "user_joined" || uint64(joined["userId"].(float64)) != 3 {
			t.Fatalf("%s got %v, want user_joined for xavier", name, joined)
		}
	}
}

func TestDocumentStateCarriesContent(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(101, "initial content", 1)
	_, msg := env.join(t, 101, 1, "alice")
	if msg["content"] != "initial content" {
		t.Fatalf("content = %v, want %q", msg["content"], "initial content")
	}
}

func TestLeaveCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(102, "x", 1, 2)

	connA, _ := env.join(t, 102, 1, "alice")
	if !env.locks.held(102, 1) {
		t.Fatal("file lock not acquired on join")
	}
	_ = connA.Close()

	// 最后一个连接断开后房间整体清掉
	deadline := time.Now().Add(3 * time.Second)
	for env.hub.getRoom(102) != nil {
		if time.Now().After(deadline) {
			t.Fatal("room not discarded after last leave")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.locks.held(102, 1) {
		t.Fatal("file lock not released on leave")
	}

	// 新加入者看到的在线列表里只有自己
	_, msg := env.join(t, 102, 2, "bob")
	ids := activeUserIDs(t, msg)
	if len(ids) != 1 || !ids[2] {
		t.Fatalf("fresh join activeUsers = %v, want only bob", ids)
	}
}

func TestHeartbeatAck(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(103, "", 1)
	conn, _ := env.join(t, 103, 1, "alice")

	if err := conn.WriteJSON(map[string]any{"type": "heartbeat"}); err != nil {
		t.Fatalf("write heartbeat error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "heartbeat_ack" {
		t.Fatalf("got %v, want heartbeat_ack", msg)
	}
}

func TestRejectUnauthorizedJoin(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(104, "secret", 1) // 用户 9 不在项目里

	conn := env.dial(t, 104)
	if err := conn.WriteJSON(map[string]any{"type": "authenticate", "token": token(t, 9, "mallory")}); err != nil {
		t.Fatalf("write authenticate error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] == "document_state" {
		t.Fatal("unauthorized user received document_state")
	}
	// 连接随后被服务端关闭
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var next map[string]any
	if err := conn.ReadJSON(&next); err == nil {
		t.Fatalf("expected close, got %v", next)
	}
	// 没有任何会话状态留下
	if env.hub.getRoom(104) != nil {
		t.Fatal("broker state created for unauthorized join")
	}
}

func TestRejectBadToken(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(105, "", 1)
	conn := env.dial(t, 105)
	if err := conn.WriteJSON(map[string]any{"type": "authenticate", "token": "garbage"}); err != nil {
		t.Fatalf("write error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("got %v, want error", msg)
	}
}

func TestOperationBroadcastToOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(106, "bar", 1, 2)
	connA, _ := env.join(t, 106, 1, "alice")
	connB, _ := env.join(t, 106, 2, "bob")
	_ = readMessage(t, connA) // bob 的 user_joined

	// alice 在 0 处插入 "foo"
	err := connA.WriteJSON(map[string]any{
		"type":      "operation",
		"operation": map[string]any{"type": "insert", "position": 0, "content": "foo"},
	})
	if err != nil {
		t.Fatalf("write operation error: %v", err)
	}

	msg := readMessage(t, connB)
	if msg["type"] != "operation" {
		t.Fatalf("bob got %v, want operation", msg)
	}
	operation := msg["operation"].(map[string]any)
	// 服务端盖章 userId / timestamp
	if uint64(operation["userId"].(float64)) != 1 {
		t.Fatalf("operation userId = %v, want 1", operation["userId"])
	}
	if operation["timestamp"] == nil {
		t.Fatal("operation missing server timestamp")
	}
	if operation["content"] != "foo" || operation["position"].(float64) != 0 {
		t.Fatalf("operation = %v", operation)
	}

	// 发送方不回显：alice 发心跳，下一条必须直接是 heartbeat_ack
	if err := connA.WriteJSON(map[string]any{"type": "heartbeat"}); err != nil {
		t.Fatalf("write heartbeat error: %v", err)
	}
	ack := readMessage(t, connA)
	if ack["type"] != "heartbeat_ack" {
		t.Fatalf("alice got %v, want heartbeat_ack (no echo)", ack)
	}
}

func TestLateJoinerSeesLiveContent(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(107, "bar", 1, 2)
	connA, _ := env.join(t, 107, 1, "alice")

	err := connA.WriteJSON(map[string]any{
		"type":      "operation",
		"operation": map[string]any{"type": "insert", "position": 0, "content": "foo"},
	})
	if err != nil {
		t.Fatalf("write operation error: %v", err)
	}
	// 等操作进缓冲区
	deadline := time.Now().Add(3 * time.Second)
	for {
		r := env.hub.getRoom(107)
		if r != nil {
			r.mu.Lock()
			content := r.buf.String()
			r.mu.Unlock()
			if content == "foobar" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never applied to room buffer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, msg := env.join(t, 107, 2, "bob")
	if msg["content"] != "foobar" {
		t.Fatalf("late joiner content = %v, want %q", msg["content"], "foobar")
	}
}

func TestMalformedOperationDropped(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(108, "abc", 1, 2)
	connA, _ := env.join(t, 108, 1, "alice")
	connB, _ := env.join(t, 108, 2, "bob")
	_ = readMessage(t, connA)

	// insert 缺 content：丢弃并回本地错误，bob 什么都收不到
	err := connA.WriteJSON(map[string]any{
		"type":      "operation",
		"operation": map[string]any{"type": "insert", "position": 0},
	})
	if err != nil {
		t.Fatalf("write error: %v", err)
	}
	msg := readMessage(t, connA)
	if msg["type"] != "error" {
		t.Fatalf("alice got %v, want error", msg)
	}

	_ = connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var leaked map[string]any
	if err := connB.ReadJSON(&leaked); err == nil {
		t.Fatalf("malformed operation leaked to bob: %v", leaked)
	}
}

func TestSaveBroadcastsToAll(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(109, "", 1, 2)
	connA, _ := env.join(t, 109, 1, "alice")
	connB, _ := env.join(t, 109, 2, "bob")
	_ = readMessage(t, connA)

	if err := connA.WriteJSON(map[string]any{"type": "save_document", "content": "saved text"}); err != nil {
		t.Fatalf("write save error: %v", err)
	}

	// 保存确认发给包括保存者在内的所有人
	for name, conn := range map[string]*websocket.Conn{"alice": connA, "bob": connB} {
		msg := readMessage(t, conn)
		if msg["type"] != "document_saved" {
			t.Fatalf("%s got %v, want document_saved", name, msg)
		}
		if msg["version"].(float64) != 1 {
			t.Fatalf("version = %v, want 1", msg["version"])
		}
		if uint64(msg["savedBy"].(float64)) != 1 {
			t.Fatalf("savedBy = %v, want 1", msg["savedBy"])
		}
	}
	if env.versions.last == nil || env.versions.last.ChangeDescription != store.DescriptionAutoSave {
		t.Fatalf("version = %+v, want Auto-save description", env.versions.last)
	}
}

func TestSaveErrorKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(110, "", 1)
	conn, _ := env.join(t, 110, 1, "alice")

	env.versions.mu.Lock()
	env.versions.fail = true
	env.versions.mu.Unlock()

	if err := conn.WriteJSON(map[string]any{"type": "save_document", "content": "x"}); err != nil {
		t.Fatalf("write save error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "save_error" {
		t.Fatalf("got %v, want save_error", msg)
	}

	// 会话未被保存失败杀掉：心跳仍有应答
	if err := conn.WriteJSON(map[string]any{"type": "heartbeat"}); err != nil {
		t.Fatalf("write heartbeat error: %v", err)
	}
	ack := readMessage(t, conn)
	if ack["type"] != "heartbeat_ack" {
		t.Fatalf("got %v, want heartbeat_ack", ack)
	}
}

func TestManualVersionDescriptionViaWS(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(111, "", 1)
	conn, _ := env.join(t, 111, 1, "alice")

	err := conn.WriteJSON(map[string]any{"type": "save_document", "content": "v1", "description": "Milestone"})
	if err != nil {
		t.Fatalf("write save error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "document_saved" {
		t.Fatalf("got %v, want document_saved", msg)
	}
	if env.versions.last.ChangeDescription != "Milestone" {
		t.Fatalf("description = %q, want Milestone", env.versions.last.ChangeDescription)
	}
}

func TestCursorUpdateBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(112, "abcdef", 1, 2)
	connA, _ := env.join(t, 112, 1, "alice")
	connB, _ := env.join(t, 112, 2, "bob")
	_ = readMessage(t, connA)

	err := connA.WriteJSON(map[string]any{
		"type": "cursor_update", "position": 3,
		"selection": map[string]any{"start": 1, "end": 4},
	})
	if err != nil {
		t.Fatalf("write cursor error: %v", err)
	}
	msg := readMessage(t, connB)
	if msg["type"] != "cursor_update" {
		t.Fatalf("bob got %v, want cursor_update", msg)
	}
	if uint64(msg["userId"].(float64)) != 1 || msg["position"].(float64) != 3 {
		t.Fatalf("cursor = %v", msg)
	}

	// 会话里的光标状态同步更新，user_joined 的 activeUsers 能看到
	users := env.hub.ActiveUsers(112)
	for _, u := range users {
		if u.UserID == 1 {
			if u.CursorPosition != 3 || u.Selection == nil || u.Selection.Start != 1 || u.Selection.End != 4 {
				t.Fatalf("session cursor = %+v", u)
			}
		}
	}
}

func TestUserLeftBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(113, "", 1, 2)
	connA, _ := env.join(t, 113, 1, "alice")
	connB, _ := env.join(t, 113, 2, "bob")
	_ = readMessage(t, connA)

	_ = connB.Close()
	msg := readMessage(t, connA)
	if msg["type"] != "user_left" || uint64(msg["userId"].(float64)) != 2 {
		t.Fatalf("alice got %v, want user_left for bob", msg)
	}
	ids := activeUserIDs(t, msg)
	if ids[2] {
		t.Fatal("bob still in activeUsers after leave")
	}
}

func TestConcurrentLeaveBroadcastSafe(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	users := make([]uint64, n)
	for i := range users {
		users[i] = uint64(i + 1)
	}
	env.addDoc(115, "x", users...)

	conns := make([]*websocket.Conn, n)
	for i, uid := range users {
		conns[i], _ = env.join(t, 115, uid, fmt.Sprintf("user%d", uid))
	}

	// 全部连接同时断开：每条连接的收尾会向仍在场的连接广播
	// user_left，与那些连接自己的收尾并发
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.Close()
		}(conn)
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for env.hub.getRoom(115) != nil {
		if time.Now().After(deadline) {
			t.Fatal("room not discarded after mass disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// broker 仍然健在：新加入照常服务
	_, msg := env.join(t, 115, 1, "user1")
	ids := activeUserIDs(t, msg)
	if len(ids) != 1 || !ids[1] {
		t.Fatalf("fresh join activeUsers = %v, want only user1", ids)
	}
}

func TestMissingDocIDRejected(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/collab/ws")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJanitorEvictsIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	env.addDoc(114, "", 1)
	conn, _ := env.join(t, 114, 1, "alice")
	_ = conn

	// 把会话活跃时间拨回过去，驱逐应关掉连接并清掉房间
	r := env.hub.getRoom(114)
	r.mu.Lock()
	r.sessions[1].LastActivity = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()

	env.hub.evictIdle(3 * heartbeatInterval)

	deadline := time.Now().Add(3 * time.Second)
	for env.hub.getRoom(114) != nil {
		if time.Now().After(deadline) {
			t.Fatal("idle session not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
