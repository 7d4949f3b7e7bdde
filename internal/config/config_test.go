package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	payload := `{
  "registry": {"admin_did": "did:eth:0x1111111111111111111111111111111111111111"},
  "token": {"orchestrator_did": "did:eth:0x2222222222222222222222222222222222222222"}
}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址 = %s", cfg.Server.Address)
	}
	if cfg.Registry.Driver != "memory" || cfg.Audit.Driver != "memory" {
		t.Fatalf("默认驱动 = %s/%s", cfg.Registry.Driver, cfg.Audit.Driver)
	}
	if cfg.Token.SigningKeyEnv != "A2A_ORCHESTRATOR_KEY" || cfg.Token.TTLSeconds != 300 {
		t.Fatalf("令牌默认值 = %s/%d", cfg.Token.SigningKeyEnv, cfg.Token.TTLSeconds)
	}
	if cfg.Orchestrator.CallTimeout != 30 || cfg.Orchestrator.Risk.Timeout != 30 {
		t.Fatalf("超时默认值 = %d/%d", cfg.Orchestrator.CallTimeout, cfg.Orchestrator.Risk.Timeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("日志默认值 = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	payload := `{
  "logging": {"audit_log": {"enabled": true, "path": "logs/audit.log"}},
  "registry": {"driver": "ethereum", "ethereum": {"chain_config": "configs/chains.yaml"}}
}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Logging.AuditLog.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("审计日志路径 = %s", cfg.Logging.AuditLog.Path)
	}
	if cfg.Registry.Ethereum.ChainConfig != filepath.Join(dir, "configs", "chains.yaml") {
		t.Fatalf("链配置路径 = %s", cfg.Registry.Ethereum.ChainConfig)
	}
}

func TestResolvePathPrefersExplicit(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/a2a/config.json")
	if got := ResolvePath("local.json"); got != "local.json" {
		t.Fatalf("路径 = %s", got)
	}
	if got := ResolvePath(""); got != "/etc/a2a/config.json" {
		t.Fatalf("路径 = %s", got)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("不存在的文件应报错")
	}
}
