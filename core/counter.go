package core

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// RotationStoreError 外部计数器不可用
// 携带底层原因，绝不被静默吞掉——该请求的轮换直接中止
type RotationStoreError struct {
	Cause error
}

func (e *RotationStoreError) Error() string {
	return fmt.Sprintf("rotation counter store unavailable: %v", e.Cause)
}

func (e *RotationStoreError) Unwrap() error {
	return e.Cause
}

// GormCounterStore 基于 SQLite 的 CounterStore 实现
// 推进用单条 upsert 语句完成，原子性由数据库保证，而不是进程内锁
type GormCounterStore struct {
	db *gorm.DB
}

func NewGormCounterStore(db *gorm.DB) *GormCounterStore {
	return &GormCounterStore{db: db}
}

// AdvanceAndWrap 原子推进并取回 post-increment 值
// 单语句 INSERT ... ON CONFLICT ... RETURNING，并发请求竞争同一 Provider 时
// 由 SQLite 串行化，每次调用恰好推进一格
func (s *GormCounterStore) AdvanceAndWrap(ctx context.Context, key string, modulus int) (int64, error) {
	if modulus <= 0 {
		return 0, &RotationStoreError{Cause: fmt.Errorf("invalid modulus %d for key %s", modulus, key)}
	}

	var value int64
	err := s.db.WithContext(ctx).Raw(
		`INSERT INTO rotation_counters (provider_key, value, updated_at)
		 VALUES (?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(provider_key)
		 DO UPDATE SET value = (rotation_counters.value % ?) + 1, updated_at = CURRENT_TIMESTAMP
		 RETURNING value`,
		key, modulus,
	).Scan(&value).Error
	if err != nil {
		return 0, &RotationStoreError{Cause: err}
	}
	if value <= 0 {
		return 0, &RotationStoreError{Cause: fmt.Errorf("counter upsert returned no row for key %s", key)}
	}
	return value, nil
}

// MemoryCounterStore 进程内 CounterStore（测试与单实例部署用）
type MemoryCounterStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{values: make(map[string]int64)}
}

func (s *MemoryCounterStore) AdvanceAndWrap(ctx context.Context, key string, modulus int) (int64, error) {
	if modulus <= 0 {
		return 0, &RotationStoreError{Cause: fmt.Errorf("invalid modulus %d for key %s", modulus, key)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := (s.values[key] % int64(modulus)) + 1
	s.values[key] = next
	return next, nil
}

// CursorIndex 把 post-increment 值换算为池内零基索引
func CursorIndex(value int64, poolSize int) int {
	return int((value - 1) % int64(poolSize))
}
