package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	xerrors "evm-defi-agent/internal/errors"
)

// 支持的数据库方言。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite3"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB 封装 *sql.DB 并记录方言。
type DB struct {
	db      *sql.DB
	dialect string
}

// Open 建立连接并执行尚未应用的迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的数据库驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	db, err := sql.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	configurePool(db, dialect, cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	store := &DB{db: db, dialect: dialect}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func configurePool(db *sql.DB, dialect string, cfg Config) {
	// sqlite 的写操作是库级锁，单连接可避免 database is locked。
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
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
}

// SQL 返回底层连接池。
func (d *DB) SQL() *sql.DB { return d.db }

// Dialect 返回方言名称。
func (d *DB) Dialect() string { return d.dialect }

// Close 关闭连接池。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Upsert 返回按主键 id 插入或覆盖的语句。
func (d *DB) Upsert(table string, columns []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	updates := make([]string, 0, len(columns))
	for _, col := range columns {
		if col == "id" || col == "created_at" {
			continue
		}
		if d.dialect == DialectMySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if d.dialect == DialectMySQL {
		return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	}
	return stmt + " ON CONFLICT(id) DO UPDATE SET " + strings.Join(updates, ", ")
}

// IsDuplicateKey 判断错误是否由主键或唯一约束冲突引起。
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr sqlite3.Error
	if stdErrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
