// Package agent 执行排队的动作：根据动作渠道与指令请求大模型生成执行说明，
// 同时维护可供回复链参考的智能体列表。
package agent
