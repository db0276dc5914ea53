package core

import (
	"testing"
	"time"

	"llm-relay/models"

	"github.com/stretchr/testify/assert"
)

func TestExtractModel(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		path     string
		method   string
		body     string
		want     string
	}{
		{"gemini with action suffix", "gemini", "/v1beta/models/gemini-pro:generateContent", "POST", "", "gemini-pro"},
		{"gemini without action", "gemini", "/v1beta/models/gemini-1.5-flash", "GET", "", "gemini-1.5-flash"},
		{"gemini list models", "gemini", "/v1beta/models", "GET", "", "unknown"},
		{"gemini no models segment", "gemini", "/v1beta/cachedContents", "POST", "", "unknown"},
		{"openai post body", "openai", "/v1/chat/completions", "POST", `{"model":"gpt-4o","messages":[]}`, "gpt-4o"},
		{"openai invalid json", "openai", "/v1/chat/completions", "POST", `{model: gpt`, "unknown"},
		{"openai missing model field", "openai", "/v1/chat/completions", "POST", `{"messages":[]}`, "unknown"},
		{"openai get no body", "openai", "/v1/models", "GET", "", "unknown"},
		{"claude post body", "claude", "/v1/messages", "POST", `{"model":"claude-3-opus"}`, "claude-3-opus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractModel(tt.provider, tt.path, tt.method, []byte(tt.body))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetricsEmitterFlushOnClose(t *testing.T) {
	db := openTestDB(t)
	emitter := NewMetricsEmitter(db, testLogger())

	start := time.Now()
	for i := 0; i < 5; i++ {
		emitter.Emit(models.RequestSummary{
			Provider:  "openai",
			Model:     "gpt-4",
			Status:    200,
			Latency:   150 * time.Millisecond,
			StartedAt: start,
		})
	}
	emitter.Close()

	var count int64
	db.Model(&models.RequestMetric{}).Count(&count)
	assert.Equal(t, int64(5), count)

	var metric models.RequestMetric
	assert.NoError(t, db.First(&metric).Error)
	assert.Equal(t, "openai", metric.Provider)
	assert.Equal(t, "gpt-4", metric.Model)
	assert.Equal(t, int64(150), metric.Duration)
}

func TestMetricsEmitterCloseDrainsPendingQueue(t *testing.T) {
	// Close 紧跟 Emit: 还躺在通道里没被 Worker 取走的指标也必须落库
	// 多轮重复以暴露 select 在 ch/quit 之间的随机选择
	db := openTestDB(t)

	for round := 0; round < 20; round++ {
		emitter := NewMetricsEmitter(db, testLogger())
		for i := 0; i < 5; i++ {
			emitter.Emit(models.RequestSummary{
				Provider:  "groq",
				Model:     "llama-3.1-70b",
				Status:    200,
				Latency:   10 * time.Millisecond,
				StartedAt: time.Now(),
			})
		}
		emitter.Close()

		var count int64
		db.Model(&models.RequestMetric{}).Count(&count)
		assert.Equal(t, int64(5*(round+1)), count, "round %d dropped metrics on close", round)
	}
}

func TestMetricsEmitterNilSafe(t *testing.T) {
	// 观测关闭时 emitter 为 nil，Emit/Close 都必须是安全的 no-op
	var emitter *MetricsEmitter
	emitter.Emit(models.RequestSummary{Provider: "openai"})
	emitter.Close()
}
