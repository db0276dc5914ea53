package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"llm-relay/models"

	"github.com/sirupsen/logrus"
)

// ErrPoolExhausted 所有允许的尝试都耗尽且从未拿到任何上游响应
// 调用方必须把它映射为 429 级错误，不允许越过此边界抛出
var ErrPoolExhausted = errors.New("credential pool exhausted without upstream response")

// OutboundRequest 改写后的出站请求模板
// Body 在轮换模式下必须可重放，因此持有字节而不是流
type OutboundRequest struct {
	Provider Provider
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
}

// Dispatcher 上游分发器
// 负责单次/轮换两种出站路径、响应分类与重试判定
type Dispatcher struct {
	client   *http.Client
	counters CounterStore
	logger   *logrus.Logger
}

func NewDispatcher(client *http.Client, counters CounterStore, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		counters: counters,
		logger:   logger,
	}
}

// DispatchRotating 轮换模式分发
// 从 CounterStore 取初始游标，最多尝试 min(limit, poolSize) 次：
// 429 与网络错误都推进游标重试；其他任何状态（含成功）立即原样返回。
// 耗尽时若记录过 429 则原样返回最后一个，否则返回 ErrPoolExhausted
func (d *Dispatcher) DispatchRotating(ctx context.Context, out OutboundRequest, pool []string, limit int) (*http.Response, error) {
	poolSize := len(pool)
	if poolSize == 0 {
		return nil, ErrPoolExhausted
	}

	maxAttempts := limit
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryLimit
	}
	if maxAttempts > poolSize {
		// 超过池大小的配置静默钳制，不是错误
		maxAttempts = poolSize
	}

	value, err := d.counters.AdvanceAndWrap(ctx, out.Provider.Name, poolSize)
	if err != nil {
		return nil, err
	}
	cursor := CursorIndex(value, poolSize)

	var lastRateLimited *http.Response

	for attempt := 0; attempt < maxAttempts; attempt++ {
		key := pool[cursor]
		d.logger.Infof("🎯 Attempt %d/%d: [%s] key %s", attempt+1, maxAttempts, out.Provider.Name, models.MaskAPIKey(key))

		resp, err := d.send(ctx, out, key)
		if err != nil {
			// 网络级失败与限流同等对待：推进游标换下一个凭证
			// 但绝不覆盖已记录的 429 响应
			d.logger.Warnf("⚠️ Attempt %d failed: network error - %v", attempt+1, err)
			cursor = (cursor + 1) % poolSize
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			d.logger.Warnf("⚠️ Attempt %d rate limited by [%s], rotating key", attempt+1, out.Provider.Name)
			if lastRateLimited != nil {
				lastRateLimited.Body.Close()
			}
			lastRateLimited = bufferResponse(resp)
			cursor = (cursor + 1) % poolSize
			continue
		}

		// 成功或其他任何状态都立即终止循环，原样返回
		if lastRateLimited != nil {
			lastRateLimited.Body.Close()
		}
		return resp, nil
	}

	if lastRateLimited != nil {
		d.logger.Errorf("💀 All %d attempts rate limited for [%s], returning last 429", maxAttempts, out.Provider.Name)
		return lastRateLimited, nil
	}
	return nil, ErrPoolExhausted
}

// DispatchPassThrough 直通模式分发：单次尝试，请求体双向流式透传
// 调用方自带的凭证头原封不动转发
func (d *Dispatcher) DispatchPassThrough(ctx context.Context, provider Provider, method, targetURL string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	copyHeader(req.Header, header)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	d.logger.Infof("↪️ Pass-through [%s] %s -> %d (%.0fms)", provider.Name, method, resp.StatusCode, time.Since(start).Seconds()*1000)
	return resp, nil
}

// send 构造并发送单次轮换尝试
func (d *Dispatcher) send(ctx context.Context, out OutboundRequest, key string) (*http.Response, error) {
	var body io.Reader
	if len(out.Body) > 0 {
		body = bytes.NewReader(out.Body)
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	copyHeader(req.Header, out.Header)
	StripClientCredentials(req)
	InjectCredential(req, out.Provider, key)

	return d.client.Do(req)
}

// bufferResponse 把 429 响应体完整读进内存并关闭原始连接
// 必须全量缓冲: 耗尽时要逐字节原样返回最后一次的响应体，不允许截断
func bufferResponse(resp *http.Response) *http.Response {
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return resp
}

// copyHeader 复制请求头（跳过逐跳头）
func copyHeader(dst, src http.Header) {
	for k, values := range src {
		switch k {
		case "Host", "Content-Length", "Connection", "Keep-Alive", "Proxy-Authorization", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
