// Package chat 定义回复链、补全代理与外部组件之间共享的线上数据结构。
package chat

import (
	"strings"

	"OmniDimension/internal/conversation"
)

// 回复来源标记，写入 Envelope.Metadata["source"]。
const (
	SourceRemote = "remote"
	SourceWidget = "widget_fallback"
	SourceStatic = "fallback"
)

// MetadataSource 与 MetadataError 是 metadata 中约定的键。
const (
	MetadataSource = "source"
	MetadataError  = "error"
)

// ProxyFailureMessage 是补全代理在任何失败场景下返回的固定文本。
const ProxyFailureMessage = "Failed to get response from AI."

// Envelope 是任意回复来源的唯一返回形态。
type Envelope struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

// Source 返回 metadata 中的来源标记。
func (e Envelope) Source() string {
	if e.Metadata == nil {
		return ""
	}
	source, _ := e.Metadata[MetadataSource].(string)
	return source
}

// Failed 判断 envelope 是否为代理返回的失败通知。
func (e Envelope) Failed() bool {
	if e.Metadata == nil {
		return false
	}
	flag, _ := e.Metadata[MetadataError].(bool)
	return flag
}

// HistoryEntry 是补全请求中的一条历史记录。type 为 "user" 时视为用户发言，其余一律视为助手。
type HistoryEntry struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CompletionRequest 是发往补全代理的请求体。
type CompletionRequest struct {
	Command             string         `json:"command"`
	ConversationHistory []HistoryEntry `json:"conversationHistory"`
}

// Validate 检查请求是否包含可用的命令。
func (r CompletionRequest) Validate() bool {
	return strings.TrimSpace(r.Command) != ""
}

// HistoryFromMessages 将会话消息转换为补全请求所需的历史格式。
func HistoryFromMessages(messages []conversation.Message) []HistoryEntry {
	history := make([]HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		history = append(history, HistoryEntry{Type: string(msg.Role), Content: msg.Content})
	}
	return history
}

// AgentProfile 描述 roster 中的一个智能体，作为回复上下文传递给外部组件。
type AgentProfile struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Status       string   `json:"status" yaml:"status"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// SystemMetrics 是执行子系统提供的运行指标，内容对回复链不透明。
type SystemMetrics map[string]any
