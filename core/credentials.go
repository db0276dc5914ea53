package core

import (
	"net/http"
	"net/url"
	"strings"
)

// ExtractClientKey 按 Provider 约定提取调用方自带的凭证
// 纯查找，无副作用；找不到返回空串
// - gemini: 优先 x-goog-api-key 头，缺失时回退 ?key= 查询参数（URL 解析失败视为缺失，绝不报错）
// - claude: 仅 x-api-key 头
// - 其他:  Authorization 头，必须剥离 "Bearer " 前缀后再比较
func ExtractClientKey(r *http.Request, p Provider) string {
	switch p.Auth {
	case AuthGoogAPIKey:
		if key := r.Header.Get(HeaderGoogAPIKey); key != "" {
			return key
		}
		if r.URL == nil {
			return ""
		}
		query, err := url.ParseQuery(r.URL.RawQuery)
		if err != nil {
			return ""
		}
		return query.Get("key")
	case AuthXAPIKey:
		return r.Header.Get(HeaderXAPIKey)
	default:
		auth := r.Header.Get(HeaderAuthorization)
		if strings.HasPrefix(auth, "Bearer ") {
			return auth[7:]
		}
		return ""
	}
}

// InjectCredential 按 Provider 线上约定把池中凭证写入出站请求
// gemini 额外剥离 ?key= 查询参数，避免头与参数二义
func InjectCredential(req *http.Request, p Provider, key string) {
	switch p.Auth {
	case AuthGoogAPIKey:
		req.Header.Set(HeaderGoogAPIKey, key)
		if req.URL.RawQuery != "" {
			query := req.URL.Query()
			query.Del("key")
			req.URL.RawQuery = query.Encode()
		}
	case AuthXAPIKey:
		req.Header.Set(HeaderXAPIKey, key)
	default:
		req.Header.Set(HeaderAuthorization, "Bearer "+key)
	}
}

// StripClientCredentials 在轮换模式下移除调用方自带的凭证痕迹
// 防止 master key 或旧凭证泄漏到上游
func StripClientCredentials(req *http.Request) {
	req.Header.Del(HeaderAuthorization)
	req.Header.Del(HeaderXAPIKey)
	req.Header.Del(HeaderGoogAPIKey)
}
