package task

// ActionStats 聚合了动作状态的统计信息，同时作为系统运行指标提供给回复链。
type ActionStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// SuccessRate 返回已结束动作中成功的比例，没有结束的动作时返回 0。
func (s ActionStats) SuccessRate() float64 {
	finished := s.Succeeded + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(finished)
}
