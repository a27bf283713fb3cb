package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/storage"
	"waitlist/backend/internal/storage/memory"
)

// DefaultFileName 默认数据文件名
const DefaultFileName = "subscriptions.json"

// Store 文件系统存储实现
//
// 全部记录常驻内存，每次写操作后把完整快照写回 JSON 文件。
// 写文件失败时回滚内存状态，保证文件与内存一致。
type Store struct {
	path string
	mem  *memory.Store

	// 串行化“修改 + 落盘”
	writeMu sync.Mutex
}

// NewStore 创建文件系统存储实例，path 为 JSON 文件路径
func NewStore(path string) (*Store, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("invalid storage path: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	subs, err := readFile(absPath)
	if err != nil {
		return nil, err
	}

	mem := memory.NewStore()
	mem.Load(subs)

	return &Store{path: absPath, mem: mem}, nil
}

// Path 数据文件的绝对路径
func (s *Store) Path() string {
	return s.path
}

// UpsertByEmail 插入或刷新记录并落盘
func (s *Store) UpsertByEmail(ctx context.Context, in domain.UpsertInput) (*domain.Subscriber, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snapshot, err := s.mem.List(ctx)
	if err != nil {
		return nil, false, err
	}

	sub, created, err := s.mem.UpsertByEmail(ctx, in)
	if err != nil {
		return nil, false, err
	}

	if err := s.flush(ctx); err != nil {
		s.mem.Load(snapshot)
		return nil, false, err
	}
	return sub, created, nil
}

// MarkVerified 条件更新验证状态并落盘
func (s *Store) MarkVerified(ctx context.Context, email, token string, at time.Time) (*domain.Subscriber, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snapshot, err := s.mem.List(ctx)
	if err != nil {
		return nil, false, err
	}

	sub, changed, err := s.mem.MarkVerified(ctx, email, token, at)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return sub, false, nil
	}

	if err := s.flush(ctx); err != nil {
		s.mem.Load(snapshot)
		return nil, false, err
	}
	return sub, true, nil
}

// GetByEmail 按邮箱查询
func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return s.mem.GetByEmail(ctx, email)
}

// GetByToken 按令牌查询
func (s *Store) GetByToken(ctx context.Context, token string) (*domain.Subscriber, error) {
	return s.mem.GetByToken(ctx, token)
}

// List 返回全部记录
func (s *Store) List(ctx context.Context) ([]domain.Subscriber, error) {
	return s.mem.List(ctx)
}

// Stats 汇总计数
func (s *Store) Stats(ctx context.Context) (domain.SubscriptionStats, error) {
	return s.mem.Stats(ctx)
}

// Health 检查数据目录仍然可写
func (s *Store) Health(context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", dir)
	}
	return nil
}

// Close 文件存储每次写入即落盘，无需额外操作
func (s *Store) Close() error {
	return nil
}

// flush 先写临时文件再 rename，避免进程中断留下半截 JSON
func (s *Store) flush(ctx context.Context) error {
	subs, err := s.mem.List(ctx)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".subscriptions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write subscriptions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync subscriptions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace subscriptions file: %w", err)
	}
	return nil
}

func readFile(path string) ([]domain.Subscriber, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var subs []domain.Subscriber
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions file: %w", err)
	}

	// 旧数据可能混有大小写不同的邮箱
	for i := range subs {
		subs[i].Email = domain.NormalizeEmail(subs[i].Email)
	}
	return subs, nil
}

// validatePath 验证路径是否安全
func validatePath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	return nil
}

var _ storage.SubscriptionStore = (*Store)(nil)
