package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"docsync/backend/internal/offline"
	"docsync/backend/internal/ws"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// captureServer 记录收到的每条原始消息，供断言开场序列和重放顺序。
// 支持多次接入（重连测试），dials 记录接入次数。
type captureServer struct {
	mu    sync.Mutex
	msgs  [][]byte
	conn  *websocket.Conn
	dials int
}

func newCaptureServer(t *testing.T) (*httptest.Server, *captureServer) {
	t.Helper()
	cs := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conn = conn
		cs.dials++
		cs.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cs.mu.Lock()
			cs.msgs = append(cs.msgs, data)
			cs.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, cs
}

func (cs *captureServer) dialCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.dials
}

// dropActive 从服务端掐断当前连接，模拟网络掉线
func (cs *captureServer) dropActive(t *testing.T) {
	t.Helper()
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()
	if conn == nil {
		t.Fatalf("no server-side connection to drop")
	}
	conn.Close()
}

func (cs *captureServer) countType(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, data := range cs.received() {
		if msgType(t, data) == typ {
			n++
		}
	}
	return n
}

func (cs *captureServer) received() [][]byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([][]byte, len(cs.msgs))
	copy(out, cs.msgs)
	return out
}

func (cs *captureServer) push(t *testing.T, data []byte) {
	t.Helper()
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()
	if conn == nil {
		t.Fatalf("no server-side connection yet")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// waitUntil 轮询直到条件成立或超时
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func msgType(t *testing.T, data []byte) string {
	t.Helper()
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return head.Type
}

func TestClientOpeningSequence(t *testing.T) {
	srv, cs := newCaptureServer(t)

	c := NewClient(Options{
		ServerURL: wsURL(srv),
		DocID:     "doc1",
		UserID:    "alice",
		Username:  "Alice",
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()

	if got := c.State(); got != StateJoined {
		t.Fatalf("State() = %v, want %v", got, StateJoined)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(cs.received()) >= 2 })
	msgs := cs.received()
	if got := msgType(t, msgs[0]); got != ws.TypeJoin {
		t.Fatalf("first message type = %q, want %q", got, ws.TypeJoin)
	}
	if got := msgType(t, msgs[1]); got != ws.TypeRequestContent {
		t.Fatalf("second message type = %q, want %q", got, ws.TypeRequestContent)
	}
}

func TestClientReplaysOfflineBufferInOrder(t *testing.T) {
	srv, cs := newCaptureServer(t)

	buf, err := offline.Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	// 断线期间攒下的三条变更
	for _, content := range []string{"a", "ab", "abc"} {
		payload, _ := json.Marshal(ws.ContentChangeMessage{
			Type: ws.TypeContentChange, Content: content, DocumentID: "doc1",
		})
		if err := buf.Enqueue("doc1", payload); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	c := NewClient(Options{
		ServerURL: wsURL(srv),
		DocID:     "doc1",
		UserID:    "alice",
		Buffer:    buf,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()

	// join + requestContent + 三条重放
	waitUntil(t, 2*time.Second, func() bool { return len(cs.received()) >= 5 })
	msgs := cs.received()
	wantContents := []string{"a", "ab", "abc"}
	for i, want := range wantContents {
		var m ws.ContentChangeMessage
		if err := json.Unmarshal(msgs[2+i], &m); err != nil {
			t.Fatalf("unmarshal replayed message %d: %v", i, err)
		}
		if m.Content != want {
			t.Fatalf("replayed[%d].Content = %q, want %q", i, m.Content, want)
		}
	}

	// 全部交给传输层之后缓冲要清空
	pending, err := buf.Drain("doc1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("buffer still has %d entries after replay", len(pending))
	}
}

func TestClientSendBuffersWhenDisconnected(t *testing.T) {
	buf, err := offline.Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	defer buf.Close()

	c := NewClient(Options{
		ServerURL: "ws://127.0.0.1:1/ws", // 没有服务在听
		DocID:     "doc1",
		UserID:    "alice",
		Buffer:    buf,
	})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() succeeded against dead endpoint")
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}

	err = c.Send(ws.ContentChangeMessage{Type: ws.TypeContentChange, Content: "offline edit", DocumentID: "doc1"})
	if err != nil {
		t.Fatalf("Send() = %v, want buffered", err)
	}
	pending, err := buf.Drain("doc1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("buffered %d entries, want 1", len(pending))
	}
}

func TestClientSendWithoutBufferFails(t *testing.T) {
	c := NewClient(Options{ServerURL: "ws://127.0.0.1:1/ws", DocID: "doc1", UserID: "alice"})
	err := c.Send(ws.ContentChangeMessage{Type: ws.TypeContentChange, Content: "x", DocumentID: "doc1"})
	if err != ErrNotConnected {
		t.Fatalf("Send() = %v, want %v", err, ErrNotConnected)
	}
}

func TestClientDeliversDecodedMessages(t *testing.T) {
	srv, cs := newCaptureServer(t)

	var mu sync.Mutex
	var got []ws.Message
	c := NewClient(Options{
		ServerURL: wsURL(srv),
		DocID:     "doc1",
		UserID:    "alice",
		OnMessage: func(m ws.Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()

	cs.push(t, []byte(`{"type":"contentChange","content":"from server","documentId":"doc1","user":{"id":"bob"}}`))

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	m, ok := got[0].(ws.ContentChangeMessage)
	if !ok {
		t.Fatalf("message = %T, want ContentChangeMessage", got[0])
	}
	if m.Content != "from server" {
		t.Fatalf("content = %q, want %q", m.Content, "from server")
	}
}

// 服务端掉线后客户端要自动重拨，并重新走一遍开场序列
func TestClientReconnectsAfterServerDrop(t *testing.T) {
	srv, cs := newCaptureServer(t)

	c := NewClient(Options{
		ServerURL:            wsURL(srv),
		DocID:                "doc1",
		UserID:               "alice",
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()

	waitUntil(t, 2*time.Second, func() bool { return len(cs.received()) >= 2 })
	cs.dropActive(t)

	// 第二次 join 到达说明重拨成功且重新宣告了在场
	waitUntil(t, 3*time.Second, func() bool { return cs.countType(t, ws.TypeJoin) >= 2 })
	waitUntil(t, 2*time.Second, func() bool { return c.State() == StateJoined })
	if n := cs.dialCount(); n < 2 {
		t.Fatalf("dialCount = %d, want >= 2", n)
	}
}

// 重连次数用完后进入终态并回调 ErrConnectionLost
func TestClientConnectionLostAfterExhaustion(t *testing.T) {
	srv, cs := newCaptureServer(t)

	lost := make(chan error, 1)
	c := NewClient(Options{
		ServerURL:            wsURL(srv),
		DocID:                "doc1",
		UserID:               "alice",
		ReconnectDelay:       100 * time.Millisecond,
		MaxReconnectAttempts: 2,
		OnConnectionLost:     func(err error) { lost <- err },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()
	waitUntil(t, 2*time.Second, func() bool { return len(cs.received()) >= 2 })

	// 掐断连接并关掉监听端口，让每次重拨都失败
	cs.dropActive(t)
	srv.Close()

	select {
	case err := <-lost:
		if err != ErrConnectionLost {
			t.Fatalf("OnConnectionLost(%v), want %v", err, ErrConnectionLost)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("OnConnectionLost never fired")
	}
	waitUntil(t, 2*time.Second, func() bool { return c.State() == StateDisconnected })
}

// Reconnecting 期间调用 Close：挂起的重连定时器必须作废，不能再拨出去
func TestClientCloseCancelsPendingReconnect(t *testing.T) {
	srv, cs := newCaptureServer(t)

	c := NewClient(Options{
		ServerURL:            wsURL(srv),
		DocID:                "doc1",
		UserID:               "alice",
		ReconnectDelay:       200 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(cs.received()) >= 2 })
	if n := cs.dialCount(); n != 1 {
		t.Fatalf("dialCount = %d, want 1", n)
	}

	cs.dropActive(t)
	waitUntil(t, 2*time.Second, func() bool { return c.State() == StateReconnecting })
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	// 等足两个重连间隔，确认没有任何新的拨号发生
	time.Sleep(500 * time.Millisecond)
	if n := cs.dialCount(); n != 1 {
		t.Fatalf("dialCount after Close = %d, want 1 (stale reconnect dialed)", n)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}
}

// 多个 goroutine 并发 Send：所有写都要串行化到同一条连接上
func TestClientConcurrentSends(t *testing.T) {
	srv, cs := newCaptureServer(t)
	c := NewClient(Options{ServerURL: wsURL(srv), DocID: "doc1", UserID: "alice"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()
	waitUntil(t, 2*time.Second, func() bool { return len(cs.received()) >= 2 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				err := c.Send(ws.ContentChangeMessage{
					Type: ws.TypeContentChange, Content: "x", DocumentID: "doc1",
				})
				if err != nil {
					t.Errorf("Send() = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// join + requestContent + 200 条并发写，一条不能少、一帧不能坏
	waitUntil(t, 3*time.Second, func() bool { return cs.countType(t, ws.TypeContentChange) >= 200 })
}

func TestClientCloseIsTerminal(t *testing.T) {
	srv, _ := newCaptureServer(t)
	c := NewClient(Options{ServerURL: wsURL(srv), DocID: "doc1", UserID: "alice"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}
	if err := c.Connect(context.Background()); err != ErrConnectionLost {
		t.Fatalf("Connect() after Close = %v, want %v", err, ErrConnectionLost)
	}
}
