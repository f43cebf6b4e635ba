package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OmniDimension/internal/errors"
)

// MemoryStore 以内存方式保存动作状态，重启后不保留。
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*Action
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]*Action)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, action *Action) error {
	if action == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	if strings.TrimSpace(action.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[action.ID]; ok {
		return ErrActionConflict
	}
	now := time.Now().Unix()
	if action.CreatedAt == 0 {
		action.CreatedAt = now
	}
	action.UpdatedAt = now
	m.actions[action.ID] = cloneAction(action)
	return nil
}

// Get 返回动作。
func (m *MemoryStore) Get(_ context.Context, id string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	action, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return cloneAction(action), nil
}

// Claim 将动作状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	switch action.Status {
	case StatusSucceeded:
		return cloneAction(action), ErrActionCompleted
	case StatusRunning:
		return cloneAction(action), ErrActionConflict
	}
	if action.Attempts >= action.MaxRetries {
		return cloneAction(action), ErrActionExhausted
	}
	action.Status = StatusRunning
	action.Attempts++
	action.LastError = ""
	action.ErrorCode = ""
	action.UpdatedAt = time.Now().Unix()
	return cloneAction(action), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ActionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	action.Status = StatusSucceeded
	action.Result = &result
	action.LastError = ""
	action.ErrorCode = ""
	action.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记动作失败。终止状态由 Claim 依据重试次数判断，这里不单独记录。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	action.Status = StatusFailed
	action.LastError = lastError
	action.ErrorCode = string(code)
	action.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的动作。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Action, 0, len(m.actions))
	for _, action := range m.actions {
		if !matchesListFilters(action, opts) {
			continue
		}
		results = append(results, cloneAction(action))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Action{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的动作数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ActionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ActionStats{}
	for _, action := range m.actions {
		if !matchesListFilters(action, opts) {
			continue
		}
		stats.Total++
		switch action.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if action.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = action.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (action.UpdatedAt != 0 && action.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = action.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(action *Action, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, action.Status) {
		return false
	}
	if len(opts.Channels) > 0 && !containsChannel(opts.Channels, action.Channel) {
		return false
	}
	if opts.UpdatedGTE > 0 && action.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && action.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && hasResult(action) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(action, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(action *Action, query string) bool {
	needle := strings.ToLower(query)
	fields := []string{action.ID, action.Command, action.Instruction, action.LastError}
	if action.Result != nil {
		fields = append(fields, action.Result.Note, action.Result.Observations)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, status Status) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func containsChannel(channels []Channel, channel Channel) bool {
	for _, candidate := range channels {
		if candidate == channel {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
