package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"waitlist/backend/internal/config"
	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/storage"
	pgclient "waitlist/backend/internal/storage/postgres"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db      *gorm.DB
	closeFn func()
}

// Open 按存储配置连接数据库
//
// PostgreSQL 走 pgx 连接池，MySQL 走 database/sql 驱动，二者都交给 GORM。
func Open(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (*Store, error) {
	switch cfg.Type {
	case "postgres":
		client, err := pgclient.New(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		sqlDB := client.DB()
		store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: sqlDB}), cfg.AutoMigrate)
		if err != nil {
			_ = sqlDB.Close()
			client.Close()
			return nil, err
		}
		store.closeFn = func() {
			_ = sqlDB.Close()
			client.Close()
		}
		return store, nil

	case "mysql":
		sqlDB, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// 设置连接池参数
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		store, err := NewStoreWithDialector(mysql.New(mysql.Config{Conn: sqlDB}), cfg.AutoMigrate)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		store.closeFn = func() { _ = sqlDB.Close() }
		if log != nil {
			log.Info("connected to MySQL", zap.Int("max_open_conns", cfg.MaxOpenConns))
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, autoMigrate bool) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}

	if autoMigrate {
		if err := db.AutoMigrate(&domain.Subscriber{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// UpsertByEmail 在事务内完成令牌占用检查与插入或刷新
//
// created 取自 INSERT ... ON CONFLICT DO NOTHING 的影响行数，而不是事先查询：
// 同一新邮箱的并发订阅只有真正插入的那一方得到 created=true。
func (s *Store) UpsertByEmail(ctx context.Context, in domain.UpsertInput) (*domain.Subscriber, bool, error) {
	var (
		result  *domain.Subscriber
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// MySQL 的 ON DUPLICATE KEY 对任意唯一键生效，令牌冲突必须先排除
		var taken int64
		if err := tx.Model(&domain.Subscriber{}).
			Where("token = ? AND email <> ?", in.Token, in.Email).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return storage.ErrTokenConflict
		}

		row := domain.NewSubscriber(in)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			created = true
			result = row
			return nil
		}

		// 记录已存在：加锁后刷新令牌
		var existing domain.Subscriber
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", in.Email).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 插入被令牌唯一索引吞掉（MySQL 的 DO NOTHING 对任意唯一键生效）
			return storage.ErrTokenConflict
		}
		if err != nil {
			return err
		}

		existing.Refresh(in)
		updates := map[string]any{
			"token":           existing.Token,
			"token_expiry":    existing.TokenExpiry,
			"last_attempt_at": existing.LastAttemptAt,
		}
		if in.ResetVerified {
			updates["verified"] = false
			updates["verified_at"] = nil
		}
		if err := tx.Model(&domain.Subscriber{}).
			Where("email = ?", in.Email).
			Updates(updates).Error; err != nil {
			return err
		}

		result = &existing
		return nil
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return result, created, nil
}

// GetByEmail 按邮箱查询
func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	if err := s.db.WithContext(ctx).Where("email = ?", email).Take(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// GetByToken 按令牌查询
func (s *Store) GetByToken(ctx context.Context, token string) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	if err := s.db.WithContext(ctx).Where("token = ?", token).Take(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// MarkVerified 条件更新：只有令牌仍为当前值且尚未验证时才写入
//
// 先锁定记录再更新，并发的重新订阅只能排在整个事务之前或之后。
func (s *Store) MarkVerified(ctx context.Context, email, token string, at time.Time) (*domain.Subscriber, bool, error) {
	var (
		sub     domain.Subscriber
		changed bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ? AND token = ?", email, token).
			Take(&sub).Error; err != nil {
			return err
		}
		if sub.Verified {
			return nil
		}

		res := tx.Model(&domain.Subscriber{}).
			Where("email = ? AND token = ? AND verified = ?", email, token, false).
			Updates(map[string]any{"verified": true, "verified_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			sub.MarkVerified(at)
		}
		return nil
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return &sub, changed, nil
}

// List 按首次订阅时间升序返回全部记录
func (s *Store) List(ctx context.Context) ([]domain.Subscriber, error) {
	var subs []domain.Subscriber
	if err := s.db.WithContext(ctx).Order("first_subscribed_at ASC, email ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Stats 用一条聚合查询返回汇总计数
func (s *Store) Stats(ctx context.Context) (domain.SubscriptionStats, error) {
	var row struct {
		Total    int
		Verified int
	}
	err := s.db.WithContext(ctx).Model(&domain.Subscriber{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN verified THEN 1 ELSE 0 END), 0) AS verified").
		Scan(&row).Error
	if err != nil {
		return domain.SubscriptionStats{}, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return domain.SubscriptionStats{
		Total:      row.Total,
		Verified:   row.Verified,
		Unverified: row.Total - row.Verified,
	}, nil
}

// Health 检查数据库连通性
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrTokenConflict
	case errors.Is(err, storage.ErrTokenConflict):
		return err
	default:
		return fmt.Errorf("database error: %w", err)
	}
}

var _ storage.SubscriptionStore = (*Store)(nil)
