package agent

import (
	"context"
	"sync"

	"OmniDimension/internal/chat"
)

// 智能体状态。
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// DefaultRoster 是未配置 agents 时使用的智能体列表。
func DefaultRoster() []chat.AgentProfile {
	return []chat.AgentProfile{
		{ID: "voice-caller", Name: "Voice Caller", Status: StatusActive, Capabilities: []string{"call"}},
		{ID: "scheduler", Name: "Scheduler", Status: StatusActive, Capabilities: []string{"schedule"}},
		{ID: "mailer", Name: "Mailer", Status: StatusActive, Capabilities: []string{"email"}},
	}
}

// Roster 保存智能体列表，供回复链与 API 查询。
type Roster struct {
	mu       sync.RWMutex
	profiles []chat.AgentProfile
}

// NewRoster 创建 Roster，profiles 为空时使用 DefaultRoster。
func NewRoster(profiles []chat.AgentProfile) *Roster {
	if len(profiles) == 0 {
		profiles = DefaultRoster()
	}
	return &Roster{profiles: cloneProfiles(profiles)}
}

// Agents 返回智能体列表的副本。
func (r *Roster) Agents(context.Context) []chat.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneProfiles(r.profiles)
}

// SetStatus 更新指定智能体的状态，返回是否找到。
func (r *Roster) SetStatus(id, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.profiles {
		if r.profiles[i].ID == id {
			r.profiles[i].Status = status
			return true
		}
	}
	return false
}

func cloneProfiles(profiles []chat.AgentProfile) []chat.AgentProfile {
	out := make([]chat.AgentProfile, len(profiles))
	for i, profile := range profiles {
		profile.Capabilities = append([]string(nil), profile.Capabilities...)
		out[i] = profile
	}
	return out
}
