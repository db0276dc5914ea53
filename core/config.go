package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultRetryLimit 轮换重试上限默认值（上限还会被池大小钳制）
const DefaultRetryLimit = 5

// Config 进程级不可变配置
// 启动时加载一次，之后只读；按引用传入 ProxyEngine，不存在全局可变状态
type Config struct {
	Port       int
	MasterKey  string              // 共享主凭证；为空时轮换模式整体关闭
	Pools      map[string][]string // Provider -> 有序凭证池
	RetryLimit int
	Metrics    bool
	DBPath     string
	LogFile    string
	LogMaxMB   int
}

// Pool 返回指定 Provider 的凭证池（未配置时为 nil）
func (c *Config) Pool(provider string) []string {
	return c.Pools[provider]
}

// LoadConfig 从环境变量加载配置
// 池配置形如 KEYS_OPENAI='["sk-a","sk-b"]'；JSON 非法、空数组或含空串
// 一律视为硬性配置错误，直接拒绝启动，绝不软回退
func LoadConfig(sp SecretProvider) (*Config, error) {
	cfg := &Config{
		Port:       8000,
		MasterKey:  os.Getenv("RELAY_MASTER_KEY"),
		Pools:      make(map[string][]string),
		RetryLimit: DefaultRetryLimit,
		Metrics:    true,
		DBPath:     "relay.db",
		LogFile:    os.Getenv("RELAY_LOG_FILE"),
		LogMaxMB:   10,
	}

	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid RELAY_PORT %q", v)
		}
		cfg.Port = port
	}

	if v := os.Getenv("RELAY_RETRY_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("RELAY_RETRY_LIMIT must be a positive integer, got %q", v)
		}
		cfg.RetryLimit = limit
	}

	if v := os.Getenv("RELAY_METRICS"); v != "" {
		cfg.Metrics = v == "true" || v == "1"
	}

	if v := os.Getenv("RELAY_DB"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("RELAY_LOG_MAX_MB"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil && mb > 0 {
			cfg.LogMaxMB = mb
		}
	}

	for _, name := range ProviderNames() {
		envKey := "KEYS_" + strings.ToUpper(name)
		raw := os.Getenv(envKey)
		if raw == "" {
			continue
		}
		pool, err := parsePool(raw, sp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envKey, err)
		}
		cfg.Pools[name] = pool
	}

	return cfg, nil
}

// parsePool 解析并解密单个凭证池
func parsePool(raw string, sp SecretProvider) ([]string, error) {
	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("pool must be a JSON string array: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("pool must not be empty")
	}

	pool := make([]string, 0, len(entries))
	for i, entry := range entries {
		if entry == "" {
			return nil, fmt.Errorf("pool entry %d is empty", i)
		}
		plain, err := sp.Decrypt(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt pool entry %d: %w", i, err)
		}
		pool = append(pool, plain)
	}
	return pool, nil
}
