package core

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"llm-relay/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 直接暴露给调用方的保留状态码，刻意避开标准码
// 便于客户端区分"网关拒绝"与"上游错误"
const (
	StatusUnknownProvider   = 325 // 路径首段不是已知 Provider
	StatusPoolNotConfigured = 326 // 命中轮换模式但该 Provider 没有配置凭证池
)

// ProxyEngine 代理编排器
// 每个请求走线性状态机: 校验 -> (轮换|直通) -> 分发 -> CORS -> 观测 -> 返回
type ProxyEngine struct {
	cfg        *Config
	dispatcher *Dispatcher
	emitter    *MetricsEmitter
	logger     *logrus.Logger

	// 按 Provider 覆盖上游基址（测试用，生产始终为空）
	baseOverride map[string]string
}

func NewProxyEngine(cfg *Config, dispatcher *Dispatcher, emitter *MetricsEmitter, logger *logrus.Logger) *ProxyEngine {
	return &ProxyEngine{
		cfg:        cfg,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
	}
}

// ApplyCORSHeaders 无条件盖上宽松跨域头（幂等：已有则不覆盖）
// Allow-Headers 覆盖 content-type 与每个 Provider 的凭证头
func ApplyCORSHeaders(c *gin.Context) {
	h := c.Writer.Header()
	if h.Get("Access-Control-Allow-Origin") == "" {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	if h.Get("Access-Control-Allow-Methods") == "" {
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	}
	if h.Get("Access-Control-Allow-Headers") == "" {
		allowed := append([]string{"Content-Type"}, CredentialHeaders()...)
		h.Set("Access-Control-Allow-Headers", strings.Join(allowed, ", "))
	}
}

// SplitProviderPath 把入站路径拆成 Provider 段和上游路径
// "/gemini/v1beta/models" -> ("gemini", "/v1beta/models")
// 路径至少要有一个段，否则 Provider 段为空串
func SplitProviderPath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "/"
	}
	if idx := strings.IndexByte(trimmed, '/'); idx != -1 {
		return trimmed[:idx], trimmed[idx:]
	}
	return trimmed, "/"
}

// HandleProxy 代理入口，任意方法任意路径，首段决定 Provider
// 直接解析 URL 路径而不是依赖路由参数，方便以 NoRoute 兜底挂载
func (e *ProxyEngine) HandleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 校验: 未知前缀在任何处理之前拒绝，且不计入观测指标
		// （畸形流量不该污染指标）
		segment, upstreamPath := SplitProviderPath(c.Request.URL.Path)
		provider, err := LookupProvider(segment)
		if err != nil {
			ApplyCORSHeaders(c)
			e.errorJSON(c, StatusUnknownProvider, "unknown provider prefix", "invalid_request_error")
			return
		}

		ApplyCORSHeaders(c)

		// OPTIONS 预检在校验后立刻短路，不碰上游
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		targetURL := e.upstreamBase(provider) + upstreamPath
		if c.Request.URL.RawQuery != "" {
			targetURL += "?" + c.Request.URL.RawQuery
		}

		clientKey := ExtractClientKey(c.Request, provider)
		if e.cfg.MasterKey != "" && clientKey == e.cfg.MasterKey {
			e.handleRotation(c, provider, targetURL, upstreamPath, start)
			return
		}
		e.handlePassThrough(c, provider, targetURL, upstreamPath, start)
	}
}

// upstreamBase 解析 Provider 的上游基址，主机替换在这里完成
func (e *ProxyEngine) upstreamBase(p Provider) string {
	if base, ok := e.baseOverride[p.Name]; ok {
		return base
	}
	return "https://" + p.Host
}

// handleRotation 轮换模式: 用池中凭证替换 master key，429 时换下一个
func (e *ProxyEngine) handleRotation(c *gin.Context, provider Provider, targetURL, upstreamPath string, start time.Time) {
	pool := e.cfg.Pool(provider.Name)
	if len(pool) == 0 {
		// 独立的配置错误状态码，不和普通 500 混在一起，也不计入指标
		e.errorJSON(c, StatusPoolNotConfigured, "no credential pool configured for provider "+provider.Name, "configuration_error")
		return
	}

	// 轮换必须重放请求体，整体读入内存
	body, err := readBody(c.Request)
	if err != nil {
		e.errorJSON(c, http.StatusBadRequest, "failed to read request body: "+err.Error(), "invalid_request_error")
		return
	}

	model := "unknown"
	if e.cfg.Metrics {
		model = ExtractModel(provider.Name, upstreamPath, c.Request.Method, body)
	}

	out := OutboundRequest{
		Provider: provider,
		Method:   c.Request.Method,
		URL:      targetURL,
		Header:   c.Request.Header,
		Body:     body,
	}

	resp, err := e.dispatcher.DispatchRotating(c.Request.Context(), out, pool, e.cfg.RetryLimit)
	if err != nil {
		var storeErr *RotationStoreError
		switch {
		case errors.As(err, &storeErr):
			e.logger.Errorf("❌ Rotation aborted for [%s]: %v", provider.Name, err)
			e.errorJSON(c, http.StatusInternalServerError, storeErr.Error(), "rotation_store_error")
		case errors.Is(err, ErrPoolExhausted):
			e.errorJSON(c, http.StatusTooManyRequests, "all credentials for "+provider.Name+" are rate limited, try again later", "rate_limit_error")
		default:
			e.errorJSON(c, http.StatusBadGateway, err.Error(), "upstream_error")
		}
		e.emitSummary(provider.Name, model, c.Writer.Status(), start, err.Error())
		return
	}

	e.copyResponse(c, resp)
	e.emitSummary(provider.Name, model, resp.StatusCode, start, "")
}

// handlePassThrough 直通模式: 只改写主机并剥掉 Provider 路径段，
// 原始头（含调用方自己的凭证）原封不动转发，单次尝试不重试
func (e *ProxyEngine) handlePassThrough(c *gin.Context, provider Provider, targetURL, upstreamPath string, start time.Time) {
	model := "unknown"
	var body io.Reader = c.Request.Body

	if e.cfg.Metrics {
		if provider.Name == "gemini" {
			model = ExtractModel(provider.Name, upstreamPath, c.Request.Method, nil)
		} else if c.Request.Method == http.MethodPost {
			// 仅在观测开启时才消费请求体做模型解析
			buf, err := readBody(c.Request)
			if err == nil {
				model = ExtractModel(provider.Name, upstreamPath, c.Request.Method, buf)
				body = bytes.NewReader(buf)
			}
		}
	}

	resp, err := e.dispatcher.DispatchPassThrough(c.Request.Context(), provider, c.Request.Method, targetURL, c.Request.Header, body)
	if err != nil {
		e.errorJSON(c, http.StatusBadGateway, "upstream unreachable: "+err.Error(), "upstream_error")
		e.emitSummary(provider.Name, model, http.StatusBadGateway, start, err.Error())
		return
	}

	e.copyResponse(c, resp)
	e.emitSummary(provider.Name, model, resp.StatusCode, start, "")
}

// copyResponse 把上游响应逐字节透传给调用方
// 跳过逐跳头和上游自带的 CORS 头（网关已统一盖章，双重头会让浏览器报错）
func (e *ProxyEngine) copyResponse(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()

	for k, values := range resp.Header {
		switch k {
		case "Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive":
			continue
		case "Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Headers", "Access-Control-Allow-Credentials":
			continue
		case "Date", "Server":
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}

	c.Status(resp.StatusCode)
	c.Writer.Flush()

	// 逐块拷贝并即时刷新，SSE 流不等缓冲
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				if strings.Contains(werr.Error(), "broken pipe") || strings.Contains(werr.Error(), "connection reset") {
					e.logger.Warnf("⚠️ Client disconnected mid-stream: %v", werr)
				} else {
					e.logger.Errorf("❌ Response copy error: %v", werr)
				}
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				e.logger.Warnf("⚠️ Upstream body read error: %v", err)
			}
			return
		}
	}
}

// emitSummary 组装请求摘要并异步提交，绝不阻塞响应路径
func (e *ProxyEngine) emitSummary(provider, model string, status int, start time.Time, errMsg string) {
	if !e.cfg.Metrics {
		return
	}
	e.emitter.Emit(models.RequestSummary{
		Provider:  provider,
		Model:     model,
		Status:    status,
		Latency:   time.Since(start),
		ErrorMsg:  errMsg,
		StartedAt: start,
	})
}

func (e *ProxyEngine) errorJSON(c *gin.Context, status int, message, errType string) {
	c.JSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message: message,
			Type:    errType,
		},
	})
}

// readBody 把请求体完整读入内存并关闭原始流
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}
