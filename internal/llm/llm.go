package llm

import "context"

// 发给大模型的对话角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是一条按顺序发送给大模型的对话消息。
type Message struct {
	Role    string
	Content string
}

// Request 描述一次对话补全请求。
type Request struct {
	Messages []Message
	// Temperature 为 nil 时使用客户端的默认采样温度。
	Temperature *float64
}

// Response 是大模型返回的第一条候选内容。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Float 返回温度参数的指针形式。
func Float(v float64) *float64 {
	return &v
}
