package sql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"

	"waitlist/backend/internal/config"
	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/storage"
)

var columns = []string{
	"email", "token", "token_expiry", "verified", "first_subscribed_at", "last_attempt_at", "verified_at",
}

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: db}), false)
	require.NoError(t, err)
	return store, mock
}

func TestStore_GetByToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("找到记录", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "subscriptions" WHERE token = $1`)).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-1", now.Add(24*time.Hour), false, now, now, nil))

		sub, err := store.GetByToken(context.Background(), "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", sub.Email)
		assert.False(t, sub.Verified)
		assert.Nil(t, sub.VerifiedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("不存在返回 ErrNotFound", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectQuery(`SELECT \* FROM "subscriptions" WHERE token = \$1`).
			WillReturnRows(sqlmock.NewRows(columns))

		_, err := store.GetByToken(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_UpsertByEmail(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := domain.UpsertInput{Email: "a@example.com", Token: "tok-2", TokenExpiry: now.Add(24 * time.Hour), Now: now}

	t.Run("新邮箱插入", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\) FROM "subscriptions" WHERE token = \$1 AND email <> \$2`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`INSERT INTO "subscriptions" .* ON CONFLICT \("email"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, created, err := store.UpsertByEmail(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "tok-2", sub.Token)
		assert.False(t, sub.Verified)
		assert.True(t, sub.FirstSubscribedAt.Equal(now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("已有邮箱刷新令牌", func(t *testing.T) {
		store, mock := setupMockStore(t)
		first := now.Add(-48 * time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\) FROM "subscriptions"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`INSERT INTO "subscriptions" .* ON CONFLICT \("email"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT \* FROM "subscriptions" WHERE email = \$1 .*FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-1", first.Add(24*time.Hour), true, first, first, first))
		mock.ExpectExec(`UPDATE "subscriptions" SET "last_attempt_at"=\$1,"token"=\$2,"token_expiry"=\$3 WHERE email = \$4`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, created, err := store.UpsertByEmail(context.Background(), in)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "tok-2", sub.Token)
		assert.True(t, sub.Verified)
		assert.True(t, sub.FirstSubscribedAt.Equal(first))
		assert.True(t, sub.LastAttemptAt.Equal(now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	// 另一事务先插入了同一邮箱：本次插入不生效，必须报告为刷新而不是新建
	t.Run("并发首次订阅只有一方为新建", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\)`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`ON CONFLICT \("email"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-other", now.Add(24*time.Hour), false, now, now, nil))
		mock.ExpectExec(`UPDATE "subscriptions"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, created, err := store.UpsertByEmail(context.Background(), in)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "tok-2", sub.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("重置验证状态时一并更新", func(t *testing.T) {
		store, mock := setupMockStore(t)
		reset := in
		reset.ResetVerified = true

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\)`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`ON CONFLICT \("email"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-1", now, true, now, now, now))
		mock.ExpectExec(`UPDATE "subscriptions" SET .*"verified"=\$4,"verified_at"=\$5 WHERE email = \$6`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, created, err := store.UpsertByEmail(context.Background(), reset)
		require.NoError(t, err)
		assert.False(t, created)
		assert.False(t, sub.Verified)
		assert.Nil(t, sub.VerifiedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("令牌被占用时回滚", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\)`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()

		_, _, err := store.UpsertByEmail(context.Background(), in)
		assert.ErrorIs(t, err, storage.ErrTokenConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("唯一索引冲突映射为令牌冲突", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\)`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`INSERT INTO "subscriptions"`).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()

		_, _, err := store.UpsertByEmail(context.Background(), in)
		assert.ErrorIs(t, err, storage.ErrTokenConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("插入未生效且邮箱不存在视为令牌冲突", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT count\(\*\)`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`INSERT INTO "subscriptions"`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectRollback()

		_, _, err := store.UpsertByEmail(context.Background(), in)
		assert.ErrorIs(t, err, storage.ErrTokenConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_MarkVerified(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := now.Add(time.Minute)

	t.Run("首次验证", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "subscriptions" WHERE email = \$1 AND token = \$2 .*FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-1", now.Add(24*time.Hour), false, now, now, nil))
		mock.ExpectExec(`UPDATE "subscriptions" SET "verified"=\$1,"verified_at"=\$2 WHERE`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, changed, err := store.MarkVerified(context.Background(), "a@example.com", "tok-1", at)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, sub.Verified)
		require.NotNil(t, sub.VerifiedAt)
		assert.True(t, sub.VerifiedAt.Equal(at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	// 更新成功后不再回读，结果不会被随后提交的重新订阅改写
	t.Run("更新成功即返回已验证记录", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-1", now.Add(24*time.Hour), false, now, now, nil))
		mock.ExpectExec(`UPDATE "subscriptions"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sub, changed, err := store.MarkVerified(context.Background(), "a@example.com", "tok-1", at)
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.True(t, changed)
		assert.Equal(t, "tok-1", sub.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("重复验证不改变状态", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a@example.com", "tok-1", now.Add(24*time.Hour), true, now, now, now))
		mock.ExpectCommit()

		sub, changed, err := store.MarkVerified(context.Background(), "a@example.com", "tok-1", at)
		require.NoError(t, err)
		assert.False(t, changed)
		require.NotNil(t, sub.VerifiedAt)
		assert.True(t, sub.VerifiedAt.Equal(now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("令牌已被替换", func(t *testing.T) {
		store, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectRollback()

		_, _, err := store.MarkVerified(context.Background(), "a@example.com", "old", at)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Stats(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total, COALESCE\(SUM\(CASE WHEN verified THEN 1 ELSE 0 END\), 0\) AS verified FROM "subscriptions"`).
		WillReturnRows(sqlmock.NewRows([]string{"total", "verified"}).AddRow(5, 2))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStats{Total: 5, Verified: 2, Unverified: 3}, stats)
}

func TestStore_List(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "subscriptions" ORDER BY first_subscribed_at ASC, email ASC`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a@example.com", "t1", now, false, now, now, nil).
			AddRow("b@example.com", "t2", now, true, now, now, now))

	subs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, domain.SubscriptionStats{Total: 2, Verified: 1, Unverified: 1}, domain.Summarize(subs))
}

func TestStore_Health(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	// gorm.Open 自身会 Ping 一次
	mock.ExpectPing()
	store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: db}), false)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, store.Health(context.Background()))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Type: "sqlite", DSN: "unused"}, nil)
	assert.Error(t, err)
}
