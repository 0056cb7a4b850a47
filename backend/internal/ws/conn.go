package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"

	"github.com/gorilla/websocket"
)

// presence 镜像条目的逻辑 TTL
const presenceTTL = 600 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	userID   string
	username string
	// send 是本连接的出站队列，writeLoop 持续消费。
	// sendMu/sendClosed 保护关闭与投递的竞争：房间快照是在锁外
	// 逐个投递的，投递时连接可能已经在 teardown
	sendMu     sync.Mutex
	sendClosed bool
	send       chan Message

	docs       *collab.Manager
	presence   cache.PresenceCache
	dispatcher *collab.KafkaDispatcher
}

func NewConn(ws *websocket.Conn, hub *Hub, docID, userID, username string,
	docs *collab.Manager, presence cache.PresenceCache, dispatcher *collab.KafkaDispatcher) *Conn {
	return &Conn{
		ws:         ws,
		hub:        hub,
		docID:      docID,
		userID:     userID,
		username:   username,
		send:       make(chan Message, 32),
		docs:       docs,
		presence:   presence,
		dispatcher: dispatcher,
	}
}

// SendEnqueue 非阻塞投递：队列满了直接丢弃这条消息，
// 绝不让一个慢连接反压到持有文档锁的处理方。
// 连接已经 teardown 时静默丢弃，广播方永远不会撞上已关闭的通道。
func (c *Conn) SendEnqueue(msg Message) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// readLoop 逐条读入、解码、分发，阻塞到连接关闭。
// 单条连接的处理崩溃只终止这条连接，监听服务和其他连接不受影响。
func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("connection handler panic (user=%s, doc=%s): %v", c.userID, c.docID, r)
		}
		c.teardown()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("read error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			// 坏载荷只回给发送方一条 error，连接保持打开，别人不受影响
			log.Printf("malformed message (user=%s, doc=%s): %v", c.userID, c.docID, err)
			c.SendEnqueue(ErrorMessage{Type: TypeError, Message: "Error processing your message"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch 对消息变体做穷尽分支
func (c *Conn) dispatch(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case JoinMessage:
		name := m.User.Name
		if name == "" {
			name = c.username
		}
		active := c.docs.AddParticipant(ctx, c.docID, c.userID, name)
		c.mirrorPresence(ctx, name)
		// join/leave 广播完整在线集合（不是增量），晚到的客户端也能对齐视图
		c.hub.BroadcastAll(c.docID, JoinMessage{
			Type:        TypeJoin,
			User:        User{ID: c.userID, Name: name},
			ActiveUsers: activeUsers(active),
		})

	case LeaveMessage:
		active, _ := c.docs.RemoveParticipant(c.docID, c.userID)
		c.hub.BroadcastAll(c.docID, LeaveMessage{
			Type:        TypeLeave,
			User:        User{ID: c.userID, Name: m.User.Name},
			ActiveUsers: activeUsers(active),
		})

	case ContentChangeMessage:
		// last-writer-wins 直接覆盖权威内容；中继不跑 transform/merge，
		// 冲突消解是客户端合并引擎的职责，中继只是有序广播点
		snap := c.docs.SetContent(ctx, c.docID, m.Content)
		c.publishEvent(ctx, collab.DocEvent{
			EventType: collab.EventContentChanged,
			DocID:     c.docID,
			UserID:    c.userID,
			Content:   m.Content,
			UpdatedAt: snap.UpdatedAt,
		})
		c.hub.BroadcastExcept(c.docID, ContentChangeMessage{
			Type:       TypeContentChange,
			Content:    m.Content,
			DocumentID: c.docID,
			User:       m.User,
		}, c)

	case TitleChangeMessage:
		snap := c.docs.SetTitle(ctx, c.docID, m.Title)
		c.publishEvent(ctx, collab.DocEvent{
			EventType: collab.EventTitleChanged,
			DocID:     c.docID,
			UserID:    c.userID,
			Title:     m.Title,
			UpdatedAt: snap.UpdatedAt,
		})
		c.hub.BroadcastExcept(c.docID, TitleChangeMessage{
			Type:       TypeTitleChange,
			Title:      m.Title,
			DocumentID: c.docID,
			User:       m.User,
		}, c)

	case ContentResponseMessage:
		// 客户端替服务端补发的权威内容：采纳并以 contentChange 转发给其他人
		c.docs.SetContent(ctx, c.docID, m.Content)
		c.hub.BroadcastExcept(c.docID, ContentChangeMessage{
			Type:       TypeContentChange,
			Content:    m.Content,
			DocumentID: c.docID,
			User:       m.User,
		}, c)

	case CursorChangeMessage:
		c.docs.SetCursor(c.docID, c.userID, m.Position)
		if c.presence != nil {
			if err := c.presence.SetCursor(ctx, c.docID, c.userID, m.Position, presenceTTL); err != nil {
				log.Printf("set cursor cache failed (user=%s, doc=%s): %v", c.userID, c.docID, err)
			}
		}
		c.hub.BroadcastExcept(c.docID, m, c)

	case RequestContentMessage:
		// 只回给请求方本人
		snap := c.docs.Snapshot(c.docID)
		c.SendEnqueue(ContentResponseMessage{
			Type:       TypeContentResponse,
			DocumentID: c.docID,
			Content:    snap.Content,
			User:       User{ID: c.userID, Name: c.username},
		})

	case InitMessage, ErrorMessage:
		// 这两类只该由服务端发出，客户端发来一律忽略
		log.Printf("ignoring server-only message type %q from user=%s", msg.MessageType(), c.userID)

	case UnknownMessage:
		// 具名的向前兼容通路：没见过的类型原样转发给其他参与者
		c.hub.BroadcastExcept(c.docID, m, c)
	}
}

// teardown 连接关闭时的清理：注销在线状态并广播 leave，
// 最后关掉发送队列让 writeLoop 退出
func (c *Conn) teardown() {
	active, removed := c.docs.RemoveParticipant(c.docID, c.userID)
	c.hub.Leave(c.docID, c)
	if removed {
		c.hub.BroadcastAll(c.docID, LeaveMessage{
			Type:        TypeLeave,
			User:        User{ID: c.userID, Name: c.username},
			ActiveUsers: activeUsers(active),
		})
	}
	// 与 SendEnqueue 在同一把锁下关闭，之后的投递全部走丢弃分支
	c.sendMu.Lock()
	c.sendClosed = true
	close(c.send)
	c.sendMu.Unlock()
}

func (c *Conn) mirrorPresence(ctx context.Context, name string) {
	if c.presence == nil {
		return
	}
	if err := c.presence.AddMember(ctx, c.docID, c.userID, name, presenceTTL); err != nil {
		log.Printf("presence mirror failed (user=%s, doc=%s): %v", c.userID, c.docID, err)
	}
}

func (c *Conn) publishEvent(ctx context.Context, evt collab.DocEvent) {
	if c.dispatcher == nil {
		return
	}
	enqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.dispatcher.Enqueue(enqCtx, evt); err != nil {
		log.Printf("enqueue doc event failed (doc=%s): %v", c.docID, err)
	}
}

func activeUsers(ps []collab.Participant) []User {
	out := make([]User, len(ps))
	for i, p := range ps {
		out[i] = User{ID: p.ID, Name: p.Name}
	}
	return out
}

// writeLoop 持续消费发送队列
func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
