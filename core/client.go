package core

import (
	"net"
	"net/http"
	"time"
)

// NewUpstreamClient 构造高性能上游 HTTP Client
// 禁用全局超时：流式响应可能持续很久，由 Transport 各阶段超时兜底
// 重定向按默认策略透明跟随
func NewUpstreamClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 60 * time.Second, // 保持 TCP 连接活跃
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          1000,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second, // 等待首字节超时
		},
	}
}
