package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"llm-relay/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter 把所有 Provider 的上游都指到同一个 httptest 服务
func newTestRouter(cfg *Config, upstreamURL string, client *http.Client, store CounterStore, emitter *MetricsEmitter) (*gin.Engine, *ProxyEngine) {
	d := NewDispatcher(client, store, testLogger())
	e := NewProxyEngine(cfg, d, emitter, testLogger())
	e.baseOverride = make(map[string]string)
	for _, name := range ProviderNames() {
		e.baseOverride[name] = upstreamURL
	}

	router := gin.New()
	router.NoRoute(e.HandleProxy())
	return router, e
}

func TestProxyUnknownProvider(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer upstream.Close()

	cfg := &Config{Pools: map[string][]string{}, RetryLimit: 5}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/mistral/v1/models", nil))

	// 未知前缀用保留状态码拒绝，且绝不触达上游
	assert.Equal(t, StatusUnknownProvider, w.Code)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Body.String(), "unknown provider")
}

func TestProxyOptionsShortCircuit(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer upstream.Close()

	cfg := &Config{Pools: map[string][]string{}, RetryLimit: 5}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/openai/v1/chat/completions", nil))

	assert.Equal(t, 204, w.Code)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "x-goog-api-key")
}

func TestProxyPassThrough(t *testing.T) {
	var gotAuth, gotPath string
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	cfg := &Config{MasterKey: "M", Pools: map[string][]string{}, RetryLimit: 5}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	req.Header.Set("Authorization", "Bearer caller-own-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 直通: 调用方凭证原样转发，Provider 段剥掉，主机替换，单次尝试
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "Bearer caller-own-key", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, `{"choices":[]}`, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProxyRotationNoPoolConfigured(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer upstream.Close()

	cfg := &Config{MasterKey: "M", Pools: map[string][]string{}, RetryLimit: 5}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer M")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 命中轮换但没配池: 独立的配置错误码，不碰上游
	assert.Equal(t, StatusPoolNotConfigured, w.Code)
	assert.Equal(t, 0, calls)
	assert.Contains(t, w.Body.String(), "configuration_error")
}

func TestProxyRotationReplacesMasterKey(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	cfg := &Config{
		MasterKey:  "M",
		Pools:      map[string][]string{"openai": {"pool-k1"}},
		RetryLimit: 5,
	}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	req.Header.Set("Authorization", "Bearer M")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "Bearer pool-k1", gotAuth)
	assert.Equal(t, "ok", w.Body.String())
}

func TestProxyRotationExhaustionReturnsLastRateLimit(t *testing.T) {
	attempt := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		w.WriteHeader(429)
		w.Write([]byte("limited " + strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")))
	}))
	defer upstream.Close()

	cfg := &Config{
		MasterKey:  "M",
		Pools:      map[string][]string{"groq": {"g1", "g2"}},
		RetryLimit: 5,
	}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	req := httptest.NewRequest("POST", "/groq/openai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer M")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 全员限流: 最后一次 429 原样返回（状态与响应体都是上游的）
	assert.Equal(t, 429, w.Code)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, "limited g2", w.Body.String())
}

func TestProxyRotationStoreError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := &Config{
		MasterKey:  "M",
		Pools:      map[string][]string{"openai": {"k1"}},
		RetryLimit: 5,
	}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), failingCounterStore{}, nil)

	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer M")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 计数器不可用: 500 级错误并携带底层原因，绝不静默
	assert.Equal(t, 500, w.Code)
	assert.Contains(t, w.Body.String(), "rotation counter store unavailable")
	assert.Contains(t, w.Body.String(), "store offline")
}

func TestProxyGeminiPassThroughModelMetric(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("{}"))
	}))
	defer upstream.Close()

	db := openTestDB(t)
	emitter := NewMetricsEmitter(db, testLogger())

	cfg := &Config{Pools: map[string][]string{}, RetryLimit: 5, Metrics: true}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), emitter)

	req := httptest.NewRequest("POST", "/gemini/v1beta/models/gemini-pro:generateContent", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)

	// Close 会刷出未落库的指标
	emitter.Close()

	var metric models.RequestMetric
	assert.NoError(t, db.Order("id desc").First(&metric).Error)
	assert.Equal(t, "gemini", metric.Provider)
	assert.Equal(t, "gemini-pro", metric.Model)
	assert.Equal(t, 200, metric.StatusCode)
}

func TestProxyMalformedTrafficNotLoggedToMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	db := openTestDB(t)
	emitter := NewMetricsEmitter(db, testLogger())

	cfg := &Config{Pools: map[string][]string{}, RetryLimit: 5, Metrics: true}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), emitter)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/nope/v1", nil))
	assert.Equal(t, StatusUnknownProvider, w.Code)

	emitter.Close()

	var count int64
	db.Model(&models.RequestMetric{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestProxyUpstreamHeadersPreserved(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "upstream-123")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://evil.example")
		w.WriteHeader(418)
		w.Write([]byte("teapot"))
	}))
	defer upstream.Close()

	cfg := &Config{Pools: map[string][]string{}, RetryLimit: 5}
	router, _ := newTestRouter(cfg, upstream.URL, upstream.Client(), NewMemoryCounterStore(), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/openai/v1/models", nil))

	// 状态、业务头和响应体逐字节透传；上游 CORS 头被网关自己的盖掉
	assert.Equal(t, 418, w.Code)
	assert.Equal(t, "upstream-123", w.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "teapot", w.Body.String())
}
