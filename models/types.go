package models

import "time"

// RequestSummary 单次请求的观测摘要（仅在内存中流转，不入库的字段见 RequestMetric）
// 在请求入口创建，由 MetricsEmitter 消费一次后丢弃
type RequestSummary struct {
	Provider  string
	Model     string // 解析失败时为 "unknown"
	Status    int
	Latency   time.Duration
	ErrorMsg  string
	StartedAt time.Time
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string   `json:"status"`
	Gateway   string   `json:"gateway"`
	Providers []string `json:"providers"`
	Timestamp int64    `json:"timestamp"`
}

// StatsResponse 管理端统计响应
type StatsResponse struct {
	Counters  []RotationCounter `json:"counters"`
	Recent    []RequestMetric   `json:"recent"`
	Timestamp int64             `json:"timestamp"`
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}

	if len(key) <= 4 {
		return key[:1] + "***"
	}

	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}

	return key[:3] + "***" + key[len(key)-4:]
}
