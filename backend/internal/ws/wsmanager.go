package ws

import (
	"log"
	"net/http"
	"strings"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h          *Hub
	docs       *collab.Manager
	presence   cache.PresenceCache
	dispatcher *collab.KafkaDispatcher
}

func NewManager(h *Hub, docs *collab.Manager, presence cache.PresenceCache, dispatcher *collab.KafkaDispatcher) *Manager {
	return &Manager{h: h, docs: docs, presence: presence, dispatcher: dispatcher}
}

// WebSocketConnect 接入一条同步连接。
// docId/userId 走 URL 查询参数；缺了任何一个就以 1008（policy violation）关闭，
// 关闭发生在升级之后，客户端能拿到带原因的 close 帧而不是裸 HTTP 错误。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.Query("docId")
	userID := c.Query("userId")
	// 鉴权中间件在位时会放进 context；没有就回退到查询参数
	username := c.GetString("username")
	if username == "" {
		username = c.Query("username")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	if docID == "" || userID == "" {
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Document ID and User ID are required")
		_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
		return
	}

	// 懒创建文档状态，并立刻下发一次 init（每条连接恰好一次）
	snap := m.docs.Connect(c.Request.Context(), docID)
	// 连接一建立就登记在线（名字等 join 消息补），与 init 里的视图保持一致
	m.docs.AddParticipant(c.Request.Context(), docID, userID, "")

	wsConn := NewConn(conn, m.h, docID, userID, username, m.docs, m.presence, m.dispatcher)
	m.h.Join(docID, wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendEnqueue(InitMessage{
		Type:          TypeInit,
		Content:       snap.Content,
		Title:         snap.Title,
		OwnerID:       snap.OwnerID,
		Collaborators: snap.Collaborators,
		UpdatedAt:     snap.UpdatedAt,
	})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
