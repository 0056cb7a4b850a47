package collab

import "time"

// DocEvent 中继接受一条变更后投递给 Kafka 的事件，
// 供下游（检索、审计、统计）消费；投递失败不影响广播主链路。
type DocEvent struct {
	EventType string    `json:"eventType"` // "CONTENT_CHANGED" / "TITLE_CHANGED"
	DocID     string    `json:"docId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content,omitempty"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	EventContentChanged = "CONTENT_CHANGED"
	EventTitleChanged   = "TITLE_CHANGED"
)
