package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"
)

const recordColumns = `id, session_id, from_chain, to_chain, amount_usd, stable_symbol, from_address, to_address,
        status, error_code, meta, created_at, updated_at`

// MySQLLedger 使用 MySQL 持久化信用记录。表结构由 storage/mysql.Migrate 维护。
type MySQLLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLLedger 基于已建立的连接池创建账本。
func NewMySQLLedger(db *sql.DB) (*MySQLLedger, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &MySQLLedger{db: db, now: time.Now}, nil
}

// Create 插入新的信用记录。
func (s *MySQLLedger) Create(ctx context.Context, record *Record) (string, error) {
	if record == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.Status == "" {
		record.Status = StatusCreated
	}
	if !IsValidStatus(record.Status) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的信用状态: %s", record.Status))
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	now := s.now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	meta, err := marshalMeta(record.Meta)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码信用记录 meta 失败")
	}

	const stmt = `INSERT INTO credit_records (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.SessionID,
		record.FromChain,
		record.ToChain,
		record.AmountUSD,
		record.StableSymbol,
		record.FromAddress,
		record.ToAddress,
		string(record.Status),
		record.ErrorCode,
		meta,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return "", ErrRecordConflict
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入信用记录失败")
	}
	return record.ID, nil
}

// Get 查询指定记录。
func (s *MySQLLedger) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM credit_records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信用记录失败")
	}
	return record, nil
}

// Update 在事务内锁定记录后推进状态并合并 meta。
func (s *MySQLLedger) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM credit_records WHERE id = ? FOR UPDATE`, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定信用记录失败")
	}
	if err := checkTransition(record.Status, patch.Status); err != nil {
		return record, err
	}

	if patch.Status != "" {
		record.Status = patch.Status
	}
	if patch.ErrorCode != "" {
		record.ErrorCode = patch.ErrorCode
	}
	record.Meta = mergeMeta(record.Meta, patch.Meta)
	record.UpdatedAt = s.now().Unix()

	meta, err := marshalMeta(record.Meta)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码信用记录 meta 失败")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE credit_records SET status = ?, error_code = ?, meta = ?, updated_at = ? WHERE id = ?`,
		string(record.Status),
		record.ErrorCode,
		meta,
		record.UpdatedAt,
		id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新信用记录失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交信用记录更新失败")
	}
	return record, nil
}

// FindByStatus 按更新时间从旧到新返回指定状态的记录。
func (s *MySQLLedger) FindByStatus(ctx context.Context, statuses []Status, limit int) ([]*Record, error) {
	return s.List(ctx, ListOptions{Statuses: statuses, Limit: limit, Order: SortByUpdatedAsc})
}

// List 返回符合过滤条件的记录。
func (s *MySQLLedger) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM credit_records`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信用记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析信用记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历信用记录失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的聚合信息。
func (s *MySQLLedger) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS created,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS submitted,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS credited,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN amount_usd ELSE 0 END), 0) AS credited_usd,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM credit_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusCreated),
		string(StatusCreditSubmitted),
		string(StatusCredited),
		string(StatusFailed),
		string(StatusCredited),
	}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Created,
		&stats.Submitted,
		&stats.Credited,
		&stats.Failed,
		&stats.CreditedUSD,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信用统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var status string
	var meta sql.NullString
	if err := row.Scan(
		&record.ID,
		&record.SessionID,
		&record.FromChain,
		&record.ToChain,
		&record.AmountUSD,
		&record.StableSymbol,
		&record.FromAddress,
		&record.ToAddress,
		&status,
		&record.ErrorCode,
		&meta,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	decoded, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("解析信用记录 meta 失败: %w", err)
	}
	record.Meta = decoded
	return &record, nil
}

func marshalMeta(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMeta(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.ToChain != "" {
		conditions = append(conditions, "to_chain = ?")
		args = append(args, web3.NormalizeChain(opts.ToChain))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR session_id LIKE ? OR from_address LIKE ? OR to_address LIKE ? OR meta LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Ledger = (*MySQLLedger)(nil)
