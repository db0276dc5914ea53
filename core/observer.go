package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"llm-relay/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// metricsRetention 指标表只保留最新的 N 条，防止数据库膨胀
const metricsRetention = 1000

// ExtractModel 尽力解析请求中的模型名，失败一律返回 "unknown"
// 绝不阻塞、绝不报错——观测路径不允许影响主响应路径
// - gemini: 从路径 .../models/<name>[:action] 段解析
// - 其他:   POST 体的 "model" 字段（尽力解析 JSON）
func ExtractModel(provider, path, method string, body []byte) string {
	if provider == "gemini" {
		idx := strings.Index(path, "models/")
		if idx == -1 {
			return "unknown"
		}
		name := path[idx+len("models/"):]
		if end := strings.IndexAny(name, ":/?"); end != -1 {
			name = name[:end]
		}
		if name == "" {
			return "unknown"
		}
		return name
	}

	if method != "POST" || len(body) == 0 {
		return "unknown"
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Model == "" {
		return "unknown"
	}
	return payload.Model
}

// MetricsEmitter 异步指标发射器
// fire-and-forget: 提交永不阻塞请求路径，sink 写入失败只吞掉并内部记一笔
type MetricsEmitter struct {
	db        *gorm.DB
	logger    *logrus.Logger
	ch        chan *models.RequestMetric
	batchSize int
	flushTime time.Duration
	wg        sync.WaitGroup
	quit      chan struct{}
}

// NewMetricsEmitter 创建指标发射器并启动后台 Worker
func NewMetricsEmitter(db *gorm.DB, logger *logrus.Logger) *MetricsEmitter {
	e := &MetricsEmitter{
		db:        db,
		logger:    logger,
		ch:        make(chan *models.RequestMetric, 1000),
		batchSize: 100,
		flushTime: 5 * time.Second,
		quit:      make(chan struct{}),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.workerLoop()
	}()
	return e
}

// Emit 提交一条请求摘要
// 队列满时直接丢弃，保证业务路径不被观测拖慢
func (e *MetricsEmitter) Emit(s models.RequestSummary) {
	if e == nil {
		return
	}
	metric := &models.RequestMetric{
		CreatedAt:  s.StartedAt,
		Provider:   s.Provider,
		Model:      s.Model,
		StatusCode: s.Status,
		Duration:   s.Latency.Milliseconds(),
		ErrorMsg:   s.ErrorMsg,
	}
	select {
	case e.ch <- metric:
		// Success
	default:
		e.logger.Warn("Metrics channel full, dropping request metric")
	}
}

// workerLoop 核心循环：攒批落库，超时强刷
func (e *MetricsEmitter) workerLoop() {
	var batch []*models.RequestMetric
	ticker := time.NewTicker(e.flushTime)
	defer ticker.Stop()

	for {
		select {
		case m := <-e.ch:
			batch = append(batch, m)
			if len(batch) >= e.batchSize {
				e.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = nil
			}
		case <-e.quit:
			// 退出前先把通道里已接收的指标抽干，再整体刷库
			// select 在 ch 和 quit 同时就绪时随机选择，不抽干会丢已提交的指标
			for {
				select {
				case m := <-e.ch:
					batch = append(batch, m)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				e.flush(batch)
			}
			return
		}
	}
}

// flush 批量写入并执行严格清理
// 任何失败只记日志，绝不向上传播
func (e *MetricsEmitter) flush(batch []*models.RequestMetric) {
	if err := e.db.CreateInBatches(batch, len(batch)).Error; err != nil {
		e.logger.Errorf("[Metrics] Failed to flush %d metrics: %v", len(batch), err)
		return
	}

	// 严格清理: 只保留最新 metricsRetention 条
	var count int64
	e.db.Model(&models.RequestMetric{}).Count(&count)
	if count > metricsRetention {
		var pivotID uint
		e.db.Model(&models.RequestMetric{}).Select("id").Order("id desc").Offset(metricsRetention).Limit(1).Scan(&pivotID)
		if pivotID > 0 {
			e.db.Where("id <= ?", pivotID).Delete(&models.RequestMetric{})
		}
	}
}

// Close 停止 Worker 并刷出未落库的指标
func (e *MetricsEmitter) Close() {
	if e == nil {
		return
	}
	close(e.quit)
	e.wg.Wait()
}
