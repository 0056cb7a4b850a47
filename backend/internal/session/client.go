package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"docsync/backend/internal/offline"
	"docsync/backend/internal/ws"

	backoff "github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// State 会话连接状态机
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateJoined       State = "joined"
	StateReconnecting State = "reconnecting"
)

const (
	// 重连节奏：固定间隔、有限次数。放弃后进入终态，等调用方显式重建会话
	ReconnectDelay       = 3 * time.Second
	MaxReconnectAttempts = 5
)

// ErrConnectionLost 重连预算耗尽后的终态错误
var ErrConnectionLost = errors.New("CONNECTION_LOST")

// ErrNotConnected 未连接且没有离线缓冲可退避时返回
var ErrNotConnected = errors.New("NOT_CONNECTED")

// errSuperseded 重连尝试发现会话已被关闭或被新连接顶替
var errSuperseded = errors.New("session superseded")

type Options struct {
	// ServerURL 形如 ws://host:port/ws
	ServerURL string
	DocID     string
	UserID    string
	Username  string

	// Buffer 离线缓冲；为 nil 时断线期间的 Send 直接报错
	Buffer *offline.Buffer

	// ReconnectDelay / MaxReconnectAttempts 零值取包级缺省
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// OnMessage 收到服务端消息时回调（在读循环 goroutine 里执行）
	OnMessage func(ws.Message)
	// OnStateChange 状态迁移回调
	OnStateChange func(State)
	// OnConnectionLost 重连预算耗尽时回调一次
	OnConnectionLost func(error)
}

// Client 对单个文档的同步会话。持有至多一条 WebSocket 连接，
// 断线后自动重连；epoch 随每次成功拨号和 Close 递增，
// 旧连接的读循环和旧的重连定时器据此识别自己已被淘汰。
type Client struct {
	mu     sync.Mutex
	opt    Options
	state  State
	epoch  uint64
	conn   *websocket.Conn
	closed bool

	// writeMu 串行化对底层连接的所有写：gorilla 只允许单个写者，
	// 开场序列、Send 和 Close 的 leave 可能在不同 goroutine 上并发
	writeMu sync.Mutex

	dialer *websocket.Dialer
}

func NewClient(opt Options) *Client {
	if opt.ReconnectDelay <= 0 {
		opt.ReconnectDelay = ReconnectDelay
	}
	if opt.MaxReconnectAttempts <= 0 {
		opt.MaxReconnectAttempts = MaxReconnectAttempts
	}
	return &Client{
		opt:    opt,
		state:  StateDisconnected,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect 建立首次连接：拨号、join、requestContent、重放离线缓冲。
// 首次拨号失败直接返回错误，不做自动重试（自动重连只针对已建立过的会话）。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}
	return nil
}

// dial 拨号并完成开场序列，成功后启动新的读循环
func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.opt.ServerURL)
	if err != nil {
		return fmt.Errorf("bad server url %q: %w", c.opt.ServerURL, err)
	}
	q := u.Query()
	q.Set("docId", c.opt.DocID)
	q.Set("userId", c.opt.UserID)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrConnectionLost
	}
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	c.setStateLocked(StateJoined)
	c.mu.Unlock()

	// 开场序列：join → requestContent → 重放离线缓冲。
	// 顺序即语义：先宣告在场，再请求权威内容，最后补发断线期间的本地变更。
	// 整段持有 writeMu：状态已是 Joined，并发的 Send 必须排在序列之后
	c.writeMu.Lock()
	err = conn.WriteJSON(ws.JoinMessage{
		Type: ws.TypeJoin,
		User: ws.User{ID: c.opt.UserID, Name: c.opt.Username},
	})
	if err == nil {
		err = conn.WriteJSON(ws.RequestContentMessage{
			Type:       ws.TypeRequestContent,
			DocumentID: c.opt.DocID,
			User:       ws.User{ID: c.opt.UserID, Name: c.opt.Username},
		})
	}
	if err == nil {
		c.replayOffline(conn)
	}
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return err
	}

	go c.readLoop(epoch, conn)
	return nil
}

// replayOffline 按入队顺序补发离线缓冲（调用方持有 writeMu）。
// 发送中途失败就保留整个缓冲，下次重连从头再来（服务端覆盖式内容对重放幂等）。
// 只清掉真正取出的那几条：重放期间新入队的条目原样留在队列里。
func (c *Client) replayOffline(conn *websocket.Conn) {
	if c.opt.Buffer == nil {
		return
	}
	pending, err := c.opt.Buffer.Drain(c.opt.DocID)
	if err != nil {
		log.Printf("drain offline buffer failed (doc=%s): %v", c.opt.DocID, err)
		return
	}
	for _, payload := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("replay offline change failed (doc=%s): %v", c.opt.DocID, err)
			return
		}
	}
	if len(pending) > 0 {
		if err := c.opt.Buffer.ClearFirst(c.opt.DocID, len(pending)); err != nil {
			log.Printf("clear offline buffer failed (doc=%s): %v", c.opt.DocID, err)
		}
		log.Printf("replayed %d offline changes (doc=%s)", len(pending), c.opt.DocID)
	}
}

func (c *Client) readLoop(epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, derr := ws.DecodeMessage(data)
		if derr != nil {
			log.Printf("bad server message (doc=%s): %v", c.opt.DocID, derr)
			continue
		}
		if c.opt.OnMessage != nil {
			c.opt.OnMessage(msg)
		}
	}
	conn.Close()

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		// 主动关闭，或已经有新连接顶替，这条旧连接安静退出
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	go c.reconnectLoop(epoch)
}

// reconnectLoop 固定间隔重连，最多 MaxReconnectAttempts 次。
// 首次尝试前也等满一个间隔（掉线往往是瞬时网络抖动，立刻重拨多半还是失败）。
func (c *Client) reconnectLoop(lostEpoch uint64) {
	time.Sleep(c.opt.ReconnectDelay)

	attempt := 0
	op := func() error {
		c.mu.Lock()
		if c.closed || c.epoch != lostEpoch {
			c.mu.Unlock()
			return backoff.Permanent(errSuperseded)
		}
		c.mu.Unlock()

		attempt++
		log.Printf("reconnect attempt %d/%d (doc=%s)", attempt, c.opt.MaxReconnectAttempts, c.opt.DocID)
		return c.dial(context.Background())
	}

	// 初次等待已在上面完成，这里是 1 次尝试 + 最多 N-1 次重试 = N 次
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opt.ReconnectDelay), uint64(c.opt.MaxReconnectAttempts-1))
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errSuperseded) {
			return
		}
		c.mu.Lock()
		stale := c.closed || c.epoch != lostEpoch
		if !stale {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		if stale {
			return
		}
		log.Printf("reconnect attempts exhausted (doc=%s): %v", c.opt.DocID, err)
		if c.opt.OnConnectionLost != nil {
			c.opt.OnConnectionLost(ErrConnectionLost)
		}
	}
}

// Send 发送一条消息。未处于 Joined 状态时写入离线缓冲，
// 等重连成功后按原顺序补发。
func (c *Client) Send(msg ws.Message) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state == StateJoined && conn != nil {
		c.writeMu.Lock()
		err := conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err == nil {
			return nil
		}
		// 写失败按离线处理，读循环很快会察觉并触发重连
	}

	if c.opt.Buffer == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.opt.Buffer.Enqueue(c.opt.DocID, payload)
}

// State 当前状态
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close 主动结束会话：递增 epoch 让在途的重连尝试全部失效
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		// 尽力发一个 leave，失败就算了，服务端的连接清理会兜底
		c.writeMu.Lock()
		_ = conn.WriteJSON(ws.LeaveMessage{
			Type: ws.TypeLeave,
			User: ws.User{ID: c.opt.UserID, Name: c.opt.Username},
		})
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opt.OnStateChange != nil {
		// 回调不持锁执行，避免回调里再调 Client 方法时死锁
		go c.opt.OnStateChange(s)
	}
}
