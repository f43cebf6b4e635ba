package task

import (
	stdErrors "errors"

	"OmniDimension/internal/conversation"
	xerrors "OmniDimension/internal/errors"
)

// Status 表示动作在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Channel 表示动作的执行渠道。
type Channel string

const (
	ChannelCall     Channel = "call"
	ChannelSchedule Channel = "schedule"
	ChannelEmail    Channel = "email"
	ChannelGeneral  Channel = "general"
)

// ActionResult 保存一次动作执行的结果。
type ActionResult struct {
	Note         string `json:"note"`
	Model        string `json:"model,omitempty"`
	Observations string `json:"observations,omitempty"`
}

// Action 描述了由操作员命令派生、排队等待执行的动作。
type Action struct {
	ID          string        `json:"id"`
	Command     string        `json:"command"`
	Channel     Channel       `json:"channel"`
	Instruction string        `json:"instruction"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxRetries  int           `json:"max_retries"`
	LastError   string        `json:"last_error,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Result      *ActionResult `json:"result,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// Ref 返回写入会话消息的动作引用。
func (a *Action) Ref() conversation.ActionRef {
	return conversation.ActionRef{ID: a.ID, Kind: string(a.Channel)}
}

const (
	CodeActionNotFound   xerrors.Code = "ACTION_NOT_FOUND"
	CodeActionConflict   xerrors.Code = "ACTION_CONFLICT"
	CodeActionCompleted  xerrors.Code = "ACTION_COMPLETED"
	CodeActionExhausted  xerrors.Code = "ACTION_RETRIES_EXHAUSTED"
	CodeActionPublish    xerrors.Code = "ACTION_PUBLISH_FAILED"
	CodeActionProcessing xerrors.Code = "ACTION_PROCESSING_FAILED"
	CodeActionCompensate xerrors.Code = "ACTION_COMPENSATION_FAILED"
)

var (
	// ErrActionNotFound 表示指定的动作不存在。
	ErrActionNotFound = xerrors.New(CodeActionNotFound, "action not found")
	// ErrActionConflict 表示动作在当前状态下无法进行所请求的操作。
	ErrActionConflict = xerrors.New(CodeActionConflict, "action conflict")
	// ErrActionCompleted 表示动作已经成功完成。
	ErrActionCompleted = xerrors.New(CodeActionCompleted, "action already completed")
	// ErrActionExhausted 表示动作的重试次数已经耗尽。
	ErrActionExhausted = xerrors.New(CodeActionExhausted, "action retries exhausted")
)

func init() {
	xerrors.Register(CodeActionNotFound, xerrors.Attributes{
		Message:  "action not found",
		Severity: xerrors.SeverityInfo,
		Visible:  true,
	})
	xerrors.Register(CodeActionConflict, xerrors.Attributes{
		Message:  "action conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeActionCompleted, xerrors.Attributes{
		Message:  "action already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeActionExhausted, xerrors.Attributes{
		Message:  "action retries exhausted",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeActionPublish, xerrors.Attributes{
		Message:   "failed to publish action",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeActionProcessing, xerrors.Attributes{
		Message:   "action execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeActionCompensate, xerrors.Attributes{
		Message:  "action compensation failed",
		Severity: xerrors.SeverityCritical,
	})
}

// IsActionError 判断错误是否为指定的动作状态错误。
func IsActionError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrActionNotFound):
		return target == CodeActionNotFound
	case stdErrors.Is(err, ErrActionConflict):
		return target == CodeActionConflict
	case stdErrors.Is(err, ErrActionCompleted):
		return target == CodeActionCompleted
	case stdErrors.Is(err, ErrActionExhausted):
		return target == CodeActionExhausted
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidChannel 检查给定的渠道是否为支持的枚举值。
func IsValidChannel(channel Channel) bool {
	switch channel {
	case ChannelCall, ChannelSchedule, ChannelEmail, ChannelGeneral:
		return true
	default:
		return false
	}
}

func cloneAction(action *Action) *Action {
	clone := *action
	if action.Result != nil {
		resultCopy := *action.Result
		clone.Result = &resultCopy
	}
	return &clone
}

func hasResult(action *Action) bool {
	if action == nil || action.Result == nil {
		return false
	}
	return action.Result.Note != "" || action.Result.Observations != ""
}
