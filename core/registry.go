package core

import (
	"errors"
	"sort"
	"strings"
)

// AuthStyle 上游凭证注入方式（按 Provider 约定分派，避免嵌套条件）
type AuthStyle int

const (
	AuthBearer     AuthStyle = iota // Authorization: Bearer <key>
	AuthXAPIKey                     // x-api-key: <key> (Anthropic)
	AuthGoogAPIKey                  // x-goog-api-key: <key> (Google)
)

const (
	HeaderAuthorization = "Authorization"
	HeaderXAPIKey       = "x-api-key"
	HeaderGoogAPIKey    = "x-goog-api-key"
)

// Provider 上游大模型供应商（进程启动时固化，不可变）
type Provider struct {
	Name string
	Host string
	Auth AuthStyle
}

// CredentialHeader 返回该 Provider 的凭证头名称
func (p Provider) CredentialHeader() string {
	switch p.Auth {
	case AuthXAPIKey:
		return HeaderXAPIKey
	case AuthGoogAPIKey:
		return HeaderGoogAPIKey
	default:
		return HeaderAuthorization
	}
}

var ErrUnknownProvider = errors.New("unknown provider prefix")

// providerTable 路径前缀 -> 上游主机的固定映射
var providerTable = map[string]Provider{
	"cerebras": {Name: "cerebras", Host: "api.cerebras.ai", Auth: AuthBearer},
	"claude":   {Name: "claude", Host: "api.anthropic.com", Auth: AuthXAPIKey},
	"gemini":   {Name: "gemini", Host: "generativelanguage.googleapis.com", Auth: AuthGoogAPIKey},
	"groq":     {Name: "groq", Host: "api.groq.com", Auth: AuthBearer},
	"openai":   {Name: "openai", Host: "api.openai.com", Auth: AuthBearer},
}

// LookupProvider 根据首个路径段解析 Provider
// 未知前缀必须在任何其他处理之前被拒绝（廉价的 fail-fast）
func LookupProvider(segment string) (Provider, error) {
	p, ok := providerTable[strings.ToLower(segment)]
	if !ok {
		return Provider{}, ErrUnknownProvider
	}
	return p, nil
}

// ProviderNames 返回所有已注册的 Provider 名称（排序，供健康检查展示）
func ProviderNames() []string {
	names := make([]string, 0, len(providerTable))
	for name := range providerTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CredentialHeaders 返回所有 Provider 的凭证头集合（供 CORS Allow-Headers 使用）
func CredentialHeaders() []string {
	seen := make(map[string]bool)
	headers := make([]string, 0, 3)
	for _, p := range providerTable {
		h := p.CredentialHeader()
		if !seen[h] {
			seen[h] = true
			headers = append(headers, h)
		}
	}
	sort.Strings(headers)
	return headers
}
