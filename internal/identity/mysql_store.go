package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
)

// MySQLConfig 描述身份库的 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 将身份记录落在 MySQL。同一 DID 的写操作依赖
// SELECT ... FOR UPDATE 行锁串行化，不同 DID 的写互不阻塞。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接池并确保表结构存在。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL DSN 不能为空")
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
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Register 实现 Store 接口。
func (s *MySQLStore) Register(ctx context.Context, record *Record) error {
	if record == nil || record.DID == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "record 不能为空")
	}
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return err
	}
	lastUpdated := record.LastUpdated
	if lastUpdated == 0 {
		lastUpdated = time.Now().Unix()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identity_records
         (did, public_key, metadata, reputation, total_interactions, successful_interactions, is_active, last_updated)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.DID, record.PublicKey, metadata,
		record.Reputation, record.TotalInteractions, record.SuccessfulInteractions,
		record.IsActive, lastUpdated,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return ErrDuplicateDid
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入身份记录失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, did string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT did, public_key, metadata, reputation, total_interactions, successful_interactions, is_active, last_updated
         FROM identity_records WHERE did = ?`, did)
	return scanRecord(row)
}

// Update 实现 Store 接口。
func (s *MySQLStore) Update(ctx context.Context, did, publicKey string, metadata map[string]string) error {
	return s.withRowLock(ctx, did, func(tx *sql.Tx, record *Record) error {
		if !record.IsActive {
			return ErrInactive
		}
		if publicKey == "" {
			publicKey = record.PublicKey
		}
		if metadata == nil {
			metadata = record.Metadata
		}
		encoded, err := encodeMetadata(metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE identity_records SET public_key = ?, metadata = ?, last_updated = ? WHERE did = ?`,
			publicKey, encoded, time.Now().Unix(), did)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新身份记录失败")
		}
		return nil
	})
}

// UpdateReputation 实现 Store 接口。
func (s *MySQLStore) UpdateReputation(ctx context.Context, did string, success bool) (*Record, error) {
	var updated *Record
	err := s.withRowLock(ctx, did, func(tx *sql.Tx, record *Record) error {
		if !record.IsActive {
			return ErrInactive
		}
		record.TotalInteractions++
		if success {
			record.SuccessfulInteractions++
		}
		record.RecomputeReputation()
		record.LastUpdated = time.Now().Unix()
		_, err := tx.ExecContext(ctx,
			`UPDATE identity_records
             SET reputation = ?, total_interactions = ?, successful_interactions = ?, last_updated = ?
             WHERE did = ?`,
			record.Reputation, record.TotalInteractions, record.SuccessfulInteractions, record.LastUpdated, did)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新信誉记录失败")
		}
		updated = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Deactivate 实现 Store 接口。
func (s *MySQLStore) Deactivate(ctx context.Context, did string) error {
	return s.withRowLock(ctx, did, func(tx *sql.Tx, record *Record) error {
		if !record.IsActive {
			return ErrAlreadyInactive
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE identity_records SET is_active = 0, last_updated = ? WHERE did = ?`,
			time.Now().Unix(), did)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "停用身份记录失败")
		}
		return nil
	})
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT did, public_key, metadata, reputation, total_interactions, successful_interactions, is_active, last_updated
         FROM identity_records ORDER BY did`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份记录失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历身份记录失败")
	}
	return records, nil
}

// Close 释放连接池。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// withRowLock 在事务内以 FOR UPDATE 锁定目标行后执行 fn。
func (s *MySQLStore) withRowLock(ctx context.Context, did string, fn func(tx *sql.Tx, record *Record) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT did, public_key, metadata, reputation, total_interactions, successful_interactions, is_active, last_updated
         FROM identity_records WHERE did = ? FOR UPDATE`, did)
	record, err := scanRecord(row)
	if err != nil {
		return err
	}
	if err := fn(tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record   Record
		metadata sql.NullString
	)
	err := row.Scan(
		&record.DID, &record.PublicKey, &metadata,
		&record.Reputation, &record.TotalInteractions, &record.SuccessfulInteractions,
		&record.IsActive, &record.LastUpdated,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取身份记录失败")
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析元数据失败")
		}
	}
	return &record, nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化元数据失败")
	}
	return string(encoded), nil
}

// isDuplicateEntry 识别 MySQL 1062 主键冲突。
func isDuplicateEntry(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}

var _ Store = (*MySQLStore)(nil)
