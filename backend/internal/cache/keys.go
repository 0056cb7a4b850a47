package cache

import "fmt"

// 键语义：
// - roomKey(docID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  房间内 userId→username 映射（Hash）
// - cursorKey:        单个用户在某文档内的光标/选区 JSON（String）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:%s:%s"          // String
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
