package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ActionRef 是执行子系统返回的排队动作引用，对会话层而言是不透明数据。
type ActionRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// Message 是会话日志中的一条不可变记录。
type Message struct {
	ID            string         `json:"id"`
	Role          Role           `json:"type"`
	Content       string         `json:"content"`
	CreatedAt     time.Time      `json:"timestamp"`
	QueuedActions []ActionRef    `json:"actions,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IsError       bool           `json:"isError,omitempty"`
}

// NewUserMessage 构造一条操作员输入消息。
func NewUserMessage(content string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAgentMessage 构造一条助手回复消息。
func NewAgentMessage(content string, actions []ActionRef, metadata map[string]any) Message {
	return Message{
		ID:            NewID(),
		Role:          RoleAgent,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
		QueuedActions: cloneActions(actions),
		Metadata:      CloneMetadata(metadata),
	}
}

// NewErrorMessage 构造一条标记为失败通知的助手消息。
func NewErrorMessage(content string) Message {
	msg := NewAgentMessage(content, nil, nil)
	msg.IsError = true
	return msg
}

// NewID 生成进程内唯一且按创建顺序递增的消息 ID。
// UUIDv7 在同一毫秒内依靠单调序列保证有序，不会因同一时刻创建而冲突。
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	m.QueuedActions = cloneActions(m.QueuedActions)
	m.Metadata = CloneMetadata(m.Metadata)
	return m
}

// Source 返回 metadata 中记录的回复来源。
func (m Message) Source() string {
	if m.Metadata == nil {
		return ""
	}
	source, _ := m.Metadata["source"].(string)
	return source
}

// CloneMetadata 复制 metadata，nil 保持为 nil。
func CloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneActions(actions []ActionRef) []ActionRef {
	if len(actions) == 0 {
		return nil
	}
	return append([]ActionRef(nil), actions...)
}
