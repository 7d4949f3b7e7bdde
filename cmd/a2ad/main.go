package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/api"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/audit"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/collab"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/config"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/observability/alerting"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/observability/metrics"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/orchestrator"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/reputation"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/token"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/web3"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/web3/ethereum"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/web3/provider"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// main 是 a2ad 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("a2ad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	var configFlag string
	flag.StringVar(&configFlag, "config", "", "配置文件路径，缺省读取 A2A_CONFIG")
	flag.Parse()

	configPath := config.ResolvePath(configFlag)
	if configPath == "" {
		configPath = filepath.Join("configs", "a2a.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditLog.Enabled,
			Path:       cfg.Logging.AuditLog.Path,
			MaxSizeMB:  cfg.Logging.AuditLog.MaxSizeMB,
			MaxBackups: cfg.Logging.AuditLog.MaxBackups,
			MaxAgeDays: cfg.Logging.AuditLog.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	mainLog := logger.Named("a2ad")

	// 身份存储后端。
	store, chainClient, closeChain, err := buildIdentityStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		if closeChain != nil {
			closeChain()
		}
	}()

	// 审计事件队列及其消费端。
	queue, err := buildAuditQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			mainLog.Error("关闭审计队列失败", slog.Any("error", err))
		}
	}()

	consumeCtx, consumeCancel := context.WithCancel(ctx)
	defer consumeCancel()
	go func() {
		err := queue.Consume(consumeCtx, 1, func(_ context.Context, event audit.Event) error {
			logger.Audit().Info("audit_event",
				slog.String("did", event.DID),
				slog.String("operation", string(event.Operation)),
				slog.String("actor", event.Actor),
				slog.String("detail", event.Detail),
				slog.Int64("occurred_at", event.OccurredAt),
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("审计消费端异常退出", slog.Any("error", err))
		}
	}()

	registry, err := identity.NewRegistry(store, cfg.Registry.AdminDID, identity.WithAuditProducer(queue))
	if err != nil {
		return err
	}
	tokens := token.NewService(registry)
	tracker := reputation.NewTracker(store)

	// 链上后端通过事件订阅把合约变更镜像进审计管道。
	if ledger, ok := store.(*ethereum.LedgerStore); ok {
		if admin, err := ledger.Admin(ctx); err != nil {
			mainLog.Warn("查询合约管理员失败", slog.Any("error", err))
		} else {
			mainLog.Info("合约管理员确认", slog.String("admin", admin))
		}
		if err := ledger.Watch(ctx, queue); err != nil {
			mainLog.Warn("合约事件订阅不可用", slog.Any("error", err))
		}
	}

	signingKeyHex := strings.TrimSpace(os.Getenv(cfg.Token.SigningKeyEnv))
	if signingKeyHex == "" {
		return fmt.Errorf("环境变量 %s 未提供编排器签名私钥", cfg.Token.SigningKeyEnv)
	}
	signingKey, err := token.ParseSigningKey(signingKeyHex)
	if err != nil {
		return fmt.Errorf("解析编排器签名私钥失败: %w", err)
	}

	expert, err := buildCollaborator(cfg.Orchestrator.Expert, tokens, collab.BaselineExpertAnalyze)
	if err != nil {
		return err
	}
	risk, err := buildCollaborator(cfg.Orchestrator.Risk, tokens, collab.BaselineRiskAnalyze)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(
		cfg.Token.OrchestratorDID,
		signingKey,
		tokens,
		tracker,
		expert,
		risk,
		orchestrator.WithCallTimeout(time.Duration(cfg.Orchestrator.CallTimeout)*time.Second),
		orchestrator.WithTokenTTL(time.Duration(cfg.Token.TTLSeconds)*time.Second),
		orchestrator.WithAlertDispatcher(alerting.NewFanout()),
	)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				mainLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	serverOpts := []api.ServerOption{}
	if chainClient != nil {
		serverOpts = append(serverOpts, api.WithChainClient(chainClient))
	}
	server := api.NewServer(cfg.Server.Address, orch, registry, tracker, serverOpts...)
	return server.Start(ctx)
}

// buildIdentityStore 按配置选择注册表后端。选用链上后端时一并返回链
// 客户端，供健康检查上报链状态。
func buildIdentityStore(ctx context.Context, cfg *config.Config) (identity.Store, web3.Client, func(), error) {
	switch cfg.Registry.Driver {
	case "", "memory":
		return identity.NewMemoryStore(), nil, nil, nil
	case "mysql":
		store, err := identity.NewMySQLStore(ctx, identity.MySQLConfig{
			DSN:             cfg.Registry.MySQL.DSN,
			MaxOpenConns:    cfg.Registry.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Registry.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Registry.MySQL.ConnMaxLifetime) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Registry.MySQL.ConnMaxIdleTime) * time.Second,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, nil, nil
	case "ethereum":
		chains, err := provider.NewRegistry(ctx, provider.Options{
			ChainConfigPath: cfg.Registry.Ethereum.ChainConfig,
			DefaultChain:    cfg.Registry.Ethereum.Chain,
			RPCURL:          cfg.Registry.Ethereum.RPCURL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		client, err := chains.DefaultClient()
		if err != nil {
			chains.Close()
			return nil, nil, nil, err
		}
		store, err := ethereum.NewLedgerStore(client, ethereum.LedgerConfig{
			ContractAddress: cfg.Registry.Ethereum.ContractAddress,
			AdminKeyHex:     os.Getenv(cfg.Registry.Ethereum.AdminKeyEnv),
			ChainID:         cfg.Registry.Ethereum.ChainID,
			MaxAttempts:     cfg.Registry.Ethereum.MaxAttempts,
			RetryInterval:   time.Duration(cfg.Registry.Ethereum.RetryInterval) * time.Second,
		})
		if err != nil {
			chains.Close()
			return nil, nil, nil, err
		}
		return store, client, chains.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的注册表驱动: %s", cfg.Registry.Driver)
	}
}

// buildAuditQueue 按配置选择审计队列承载。
func buildAuditQueue(cfg *config.Config) (audit.Queue, error) {
	switch cfg.Audit.Driver {
	case "", "memory":
		return audit.NewMemoryQueue(cfg.Audit.BufferSize), nil
	case "redis":
		return audit.NewRedisQueue(audit.RedisQueueConfig{
			Address:  cfg.Audit.Redis.Address,
			Password: cfg.Audit.Redis.Password,
			DB:       cfg.Audit.Redis.DB,
			Queue:    cfg.Audit.Redis.Queue,
		})
	case "rabbitmq":
		return audit.NewRabbitMQQueue(audit.RabbitMQConfig{
			URL:      cfg.Audit.RabbitMQ.URL,
			Queue:    cfg.Audit.RabbitMQ.Queue,
			Prefetch: cfg.Audit.RabbitMQ.Prefetch,
			Durable:  cfg.Audit.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的审计队列驱动: %s", cfg.Audit.Driver)
	}
}

// buildCollaborator 按配置接入协作代理：给出端点时走 HTTP，否则使用
// 进程内的基线实现。
func buildCollaborator(cfg config.CollaboratorConfig, tokens *token.Service, analyze collab.AnalyzeFunc) (collab.Collaborator, error) {
	if cfg.DID == "" {
		return nil, errors.New("协作代理缺少 DID")
	}
	if cfg.Endpoint != "" {
		return collab.NewHTTPCollaborator(collab.HTTPConfig{
			DID:      cfg.DID,
			Endpoint: cfg.Endpoint,
			Timeout:  time.Duration(cfg.Timeout) * time.Second,
		})
	}
	return collab.NewLocalCollaborator(cfg.DID, tokens, analyze), nil
}
