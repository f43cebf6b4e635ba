package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OmniDimension/internal/errors"
)

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 使用 MySQL 的 action_states 表记录动作状态。
type MySQLStore struct {
	db *sql.DB
}

const actionColumns = `id, command, channel, instruction, status, attempts, max_retries, last_error, error_code,
        result_note, result_model, result_observations, created_at, updated_at`

// NewMySQLStore 连接数据库并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 action_states 表失败")
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

// Create 插入新的动作记录。
func (s *MySQLStore) Create(ctx context.Context, action *Action) error {
	if action == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	if strings.TrimSpace(action.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作 ID 不能为空")
	}

	now := time.Now().Unix()
	if action.CreatedAt == 0 {
		action.CreatedAt = now
	}
	action.UpdatedAt = now

	const stmt = `INSERT INTO action_states
        (id, command, channel, instruction, status, attempts, max_retries, last_error, error_code,
        result_note, result_model, result_observations, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		action.ID,
		action.Command,
		string(action.Channel),
		action.Instruction,
		string(action.Status),
		action.Attempts,
		action.MaxRetries,
		action.CreatedAt,
		action.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrActionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入动作失败")
	}
	return nil
}

// Get 查询指定动作。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_states WHERE id = ?`, id)
	action, err := scanAction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询动作失败")
	}
	return action, nil
}

// Claim 将动作标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Action, error) {
	const updateStmt = `UPDATE action_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新动作状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	action, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return action, nil
	}
	switch {
	case action.Status == StatusSucceeded:
		return action, ErrActionCompleted
	case action.Status == StatusRunning:
		return action, ErrActionConflict
	case action.Attempts >= action.MaxRetries:
		return action, ErrActionExhausted
	default:
		return action, ErrActionConflict
	}
}

// MarkSucceeded 将动作标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ActionResult) error {
	const stmt = `UPDATE action_states SET status = ?, result_note = ?, result_model = ?, result_observations = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		result.Note,
		result.Model,
		result.Observations,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记动作成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrActionNotFound
	}
	return nil
}

// MarkFailed 将动作标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE action_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记动作失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrActionNotFound
	}
	return nil
}

// List 返回符合过滤条件的动作。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Action, error) {
	opts.applyDefaults()

	query := `SELECT ` + actionColumns + ` FROM action_states`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询动作列表失败")
	}
	defer rows.Close()

	actions := make([]*Action, 0, opts.Limit)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析动作记录失败")
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历动作失败")
	}
	return actions, nil
}

// Stats 返回符合过滤条件的动作聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ActionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM action_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats ActionStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ActionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询动作统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		action  Action
		result  ActionResult
		channel string
		status  string
	)
	if err := row.Scan(
		&action.ID,
		&action.Command,
		&channel,
		&action.Instruction,
		&status,
		&action.Attempts,
		&action.MaxRetries,
		&action.LastError,
		&action.ErrorCode,
		&result.Note,
		&result.Model,
		&result.Observations,
		&action.CreatedAt,
		&action.UpdatedAt,
	); err != nil {
		return nil, err
	}
	action.Channel = Channel(channel)
	action.Status = Status(status)
	if result.Note != "" || result.Observations != "" {
		action.Result = &result
	}
	return &action, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Channels) > 0 {
		conditions = append(conditions, fmt.Sprintf("channel IN (%s)", placeholders(len(opts.Channels))))
		for _, channel := range opts.Channels {
			args = append(args, string(channel))
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_note <> '' OR result_observations <> '')")
		} else {
			conditions = append(conditions, "(result_note = '' AND result_observations = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR command LIKE ? OR instruction LIKE ? OR last_error LIKE ? OR result_note LIKE ? OR result_observations LIKE ?)")
		for i := 0; i < 6; i++ {
			args = append(args, pattern)
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ",")
}

var _ Store = (*MySQLStore)(nil)
