package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// 线上消息都是带 type 判别字段的 JSON 对象。这里建成封闭的变体集合，
// 分发时对每个变体显式写分支；未知类型不是走隐式 default 落空，
// 而是落到具名的 UnknownMessage 变体上原样转发（向前兼容）。

const (
	TypeJoin            = "join"
	TypeLeave           = "leave"
	TypeContentChange   = "contentChange"
	TypeTitleChange     = "titleChange"
	TypeCursorChange    = "cursorChange"
	TypeRequestContent  = "requestContent"
	TypeContentResponse = "contentResponse"
	TypeInit            = "init"
	TypeError           = "error"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message 出入站消息的公共接口（隐式实现）
type Message interface {
	MessageType() string
}

type JoinMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	User       User   `json:"user"`
	// 服务端广播时带上完整在线集合，晚加入者也能看到一致的视图
	ActiveUsers []User `json:"activeUsers,omitempty"`
}

type LeaveMessage struct {
	Type        string `json:"type"`
	DocumentID  string `json:"documentId,omitempty"`
	User        User   `json:"user"`
	ActiveUsers []User `json:"activeUsers,omitempty"`
}

type ContentChangeMessage struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	DocumentID string `json:"documentId"`
	User       User   `json:"user"`
}

type TitleChangeMessage struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	DocumentID string `json:"documentId"`
	User       User   `json:"user"`
}

// 光标/选区只进 presence，不落文档内容，也不参与合并
type CursorChangeMessage struct {
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position"`
	User     User            `json:"user"`
}

type RequestContentMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	User       User   `json:"user,omitempty"`
}

type ContentResponseMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	User       User   `json:"user,omitempty"`
}

// InitMessage 仅服务端→客户端，每条连接只发一次
type InitMessage struct {
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	Title         string    `json:"title"`
	OwnerID       string    `json:"ownerId,omitempty"`
	Collaborators []string  `json:"collaborators"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ErrorMessage 仅服务端→客户端，只回给出错的发送方
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UnknownMessage 具名的“原样转发”变体，保存完整原始字节
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

func (m UnknownMessage) MarshalJSON() ([]byte, error) { return m.Raw, nil }

func (m JoinMessage) MessageType() string            { return TypeJoin }
func (m LeaveMessage) MessageType() string           { return TypeLeave }
func (m ContentChangeMessage) MessageType() string   { return TypeContentChange }
func (m TitleChangeMessage) MessageType() string     { return TypeTitleChange }
func (m CursorChangeMessage) MessageType() string    { return TypeCursorChange }
func (m RequestContentMessage) MessageType() string  { return TypeRequestContent }
func (m ContentResponseMessage) MessageType() string { return TypeContentResponse }
func (m InitMessage) MessageType() string            { return TypeInit }
func (m ErrorMessage) MessageType() string           { return TypeError }
func (m UnknownMessage) MessageType() string         { return m.Type }

// DecodeMessage 把原始字节解成对应变体。JSON 本身坏掉才算 malformed；
// 类型没见过不算错，转成 UnknownMessage。
func DecodeMessage(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch head.Type {
	case TypeJoin:
		var m JoinMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeLeave:
		var m LeaveMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeContentChange:
		var m ContentChangeMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeTitleChange:
		var m TitleChangeMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeCursorChange:
		var m CursorChangeMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeRequestContent:
		var m RequestContentMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeContentResponse:
		var m ContentResponseMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeInit:
		var m InitMessage
		return m, unmarshalBody(data, head.Type, &m)
	case TypeError:
		var m ErrorMessage
		return m, unmarshalBody(data, head.Type, &m)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownMessage{Type: head.Type, Raw: raw}, nil
	}
}

func unmarshalBody(data []byte, typ string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed %s message: %w", typ, err)
	}
	return nil
}
