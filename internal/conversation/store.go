package conversation

import "sync"

// Store 是一次会话的只追加消息日志，不提供删除与修改。
// 进程退出即销毁，不做持久化。
type Store struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[string]struct{}
}

// NewStore 创建空的会话日志。
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Append 追加一条消息。ID 为空时自动分配，重复的 ID 会被重新分配以保持唯一性。
func (s *Store) Append(msg Message) Message {
	stored := msg.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if stored.ID == "" {
		stored.ID = NewID()
	}
	for {
		if _, exists := s.ids[stored.ID]; !exists {
			break
		}
		stored.ID = NewID()
	}
	s.ids[stored.ID] = struct{}{}
	s.messages = append(s.messages, stored)
	return stored.Clone()
}

// Recent 按插入顺序返回最后 n 条消息；n <= 0 时返回空。
func (s *Store) Recent(n int) []Message {
	if n <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	result := make([]Message, 0, len(s.messages)-start)
	for _, msg := range s.messages[start:] {
		result = append(result, msg.Clone())
	}
	return result
}

// Len 返回已记录的消息数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
