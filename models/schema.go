package models

import (
	"time"

	"gorm.io/gorm"
)

// RotationCounter 轮换游标持久化实体
// 每个 Provider 一行，value 由 CounterStore 以原子 upsert 推进
// 约定: value 是"上一次发出的 post-increment 值"，零基索引 = (value-1) % poolSize
type RotationCounter struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProviderKey string    `gorm:"uniqueIndex;not null" json:"provider_key"`
	Value       int64     `gorm:"default:0" json:"value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RequestMetric 请求指标记录（异步批量写入，尽力而为）
type RequestMetric struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	Provider   string    `gorm:"index" json:"provider"`
	Model      string    `json:"model"`
	StatusCode int       `json:"status_code"`
	Duration   int64     `json:"duration"` // 毫秒
	ErrorMsg   string    `json:"error_msg,omitempty"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&RotationCounter{},
		&RequestMetric{},
	)
}
