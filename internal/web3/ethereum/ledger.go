package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	gethcore "github.com/ethereum/go-ethereum"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/audit"
	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/web3"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// registryABIJSON 是 AgentRegistry 合约的接口定义。
const registryABIJSON = `[
  {"type":"function","name":"admin","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"registerAdmin","stateMutability":"nonpayable","inputs":[{"name":"newAdmin","type":"address"}],"outputs":[]},
  {"type":"function","name":"registerAgent","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"publicKey","type":"string"},{"name":"metadata","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateAgent","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"publicKey","type":"string"},{"name":"metadata","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateReputation","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"success","type":"bool"}],"outputs":[]},
  {"type":"function","name":"deactivateAgent","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"}],"outputs":[]},
  {"type":"function","name":"getAgent","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[{"name":"agentAddress","type":"address"},{"name":"publicKey","type":"string"},{"name":"reputation","type":"uint256"},{"name":"totalInteractions","type":"uint256"},{"name":"successfulInteractions","type":"uint256"},{"name":"lastUpdated","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"metadata","type":"string"}]},
  {"type":"event","name":"AgentRegistered","inputs":[{"name":"agent","type":"address","indexed":true}]},
  {"type":"event","name":"AgentUpdated","inputs":[{"name":"agent","type":"address","indexed":true}]},
  {"type":"event","name":"ReputationUpdated","inputs":[{"name":"agent","type":"address","indexed":true},{"name":"success","type":"bool","indexed":false},{"name":"reputation","type":"uint256","indexed":false}]},
  {"type":"event","name":"AgentDeactivated","inputs":[{"name":"agent","type":"address","indexed":true}]}
]`

var registryABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic("解析 AgentRegistry ABI 失败: " + err.Error())
	}
	return parsed
}()

// 默认的交易重试与管理员余额阈值。
const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 2 * time.Second
)

// minAdminBalanceWei 约为 0.01 ETH，低于该余额时写操作会打出告警日志。
var minAdminBalanceWei = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)

// LedgerConfig 描述链上身份存储的构造参数。
type LedgerConfig struct {
	ContractAddress string
	AdminKeyHex     string
	ChainID         int64
	MaxAttempts     int
	RetryInterval   time.Duration
}

// registryContract 是合约绑定中本存储实际使用的子集。
type registryContract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*coretypes.Transaction, error)
}

// receiptWaiter 等待交易上链并返回回执。
type receiptWaiter func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error)

// LedgerStore 以 AgentRegistry 合约为后端实现身份存储。所有写操作由
// 管理员账户签名提交，并持有互斥锁串行发送，nonce 不会交错；因此同一
// DID 的信誉更新天然串行。
type LedgerStore struct {
	client       web3.Client
	contract     registryContract
	contractAddr common.Address
	adminKey     *ecdsa.PrivateKey
	adminAddr    common.Address
	chainID      *big.Int
	wait         receiptWaiter

	maxAttempts   int
	retryInterval time.Duration

	// 合约没有枚举接口，List 只能遍历本进程见过的地址。
	knownMu sync.Mutex
	known   map[string]struct{}

	txMu sync.Mutex
	log  *slog.Logger
}

// NewLedgerStore 构造链上身份存储。
func NewLedgerStore(client web3.Client, cfg LedgerConfig) (*LedgerStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供链客户端")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "合约地址不合法",
			xerrors.WithMetadata("address", cfg.ContractAddress))
	}
	if cfg.ChainID <= 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少链 ID")
	}
	adminKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.AdminKeyHex), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "管理员私钥不合法")
	}
	backend := client.ContractBackend()
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端缺少合约后端")
	}

	contractAddr := common.HexToAddress(cfg.ContractAddress)
	store := &LedgerStore{
		client:        client,
		contract:      bind.NewBoundContract(contractAddr, registryABI, backend, backend, backend),
		contractAddr:  contractAddr,
		adminKey:      adminKey,
		adminAddr:     crypto.PubkeyToAddress(adminKey.PublicKey),
		chainID:       big.NewInt(cfg.ChainID),
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
		known:         make(map[string]struct{}),
		log:           logger.Named("web3.ledger"),
	}
	if store.maxAttempts <= 0 {
		store.maxAttempts = defaultMaxAttempts
	}
	if store.retryInterval <= 0 {
		store.retryInterval = defaultRetryInterval
	}
	store.wait = func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
		deployBackend, ok := backend.(bind.DeployBackend)
		if !ok {
			return nil, xerrors.New(xerrors.CodeLedgerFailure, "后端不支持回执查询")
		}
		return bind.WaitMined(ctx, deployBackend, tx)
	}
	return store, nil
}

// Admin 返回合约当前登记的管理员地址。
func (s *LedgerStore) Admin(ctx context.Context) (string, error) {
	var out []any
	err := s.withRetry(ctx, "admin", func() error {
		out = out[:0]
		return s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "admin")
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询合约管理员失败")
	}
	if len(out) != 1 {
		return "", xerrors.New(xerrors.CodeLedgerFailure, "合约管理员返回值形状异常")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", xerrors.New(xerrors.CodeLedgerFailure, "合约管理员返回值类型异常")
	}
	return addr.Hex(), nil
}

// ReassignAdmin 在链上把管理员移交给新的地址。合约侧由现任管理员密钥
// 签名的交易完成移交，之后本客户端持有的旧密钥将无法再发起写操作。
func (s *LedgerStore) ReassignAdmin(ctx context.Context, newAdminDID string) error {
	addr, err := s.addressOf(newAdminDID)
	if err != nil {
		return err
	}
	return s.transact(ctx, "registerAdmin", addr)
}

// Register 在链上登记一个新的 DID。重复登记（包括已停用的记录）返回
// DuplicateDid。
func (s *LedgerStore) Register(ctx context.Context, record *identity.Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidRequest, "记录不能为空")
	}
	addr, err := s.addressOf(record.DID)
	if err != nil {
		return err
	}
	switch _, err := s.getAgent(ctx, addr); {
	case err == nil:
		return identity.ErrDuplicateDid
	case !stdErrors.Is(err, identity.ErrNotFound):
		return err
	}
	encoded, err := encodeLedgerMetadata(record.Metadata)
	if err != nil {
		return err
	}
	if err := s.transact(ctx, "registerAgent", addr, record.PublicKey, encoded); err != nil {
		return err
	}
	s.remember(record.DID)
	return nil
}

// Get 查询链上记录。
func (s *LedgerStore) Get(ctx context.Context, did string) (*identity.Record, error) {
	addr, err := s.addressOf(did)
	if err != nil {
		return nil, err
	}
	record, err := s.getAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.remember(record.DID)
	return record, nil
}

// Update 覆盖链上记录的公钥与元数据。
func (s *LedgerStore) Update(ctx context.Context, did, publicKey string, metadata map[string]string) error {
	addr, err := s.addressOf(did)
	if err != nil {
		return err
	}
	current, err := s.getAgent(ctx, addr)
	if err != nil {
		return err
	}
	if !current.IsActive {
		return identity.ErrInactive
	}
	if publicKey == "" {
		publicKey = current.PublicKey
	}
	if metadata == nil {
		metadata = current.Metadata
	}
	encoded, err := encodeLedgerMetadata(metadata)
	if err != nil {
		return err
	}
	return s.transact(ctx, "updateAgent", addr, publicKey, encoded)
}

// UpdateReputation 记录一次交互结果并返回链上最新记录。
func (s *LedgerStore) UpdateReputation(ctx context.Context, did string, success bool) (*identity.Record, error) {
	addr, err := s.addressOf(did)
	if err != nil {
		return nil, err
	}
	current, err := s.getAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !current.IsActive {
		return nil, identity.ErrInactive
	}
	if err := s.transact(ctx, "updateReputation", addr, success); err != nil {
		return nil, err
	}
	return s.getAgent(ctx, addr)
}

// Deactivate 在链上停用一个 DID。停用是单向操作。
func (s *LedgerStore) Deactivate(ctx context.Context, did string) error {
	addr, err := s.addressOf(did)
	if err != nil {
		return err
	}
	current, err := s.getAgent(ctx, addr)
	if err != nil {
		return err
	}
	if !current.IsActive {
		return identity.ErrAlreadyInactive
	}
	return s.transact(ctx, "deactivateAgent", addr)
}

// List 返回本进程见过的全部链上记录。合约本身不提供枚举，
// 因此重启后列表从空开始，随查询与登记逐步补全。
func (s *LedgerStore) List(ctx context.Context) ([]*identity.Record, error) {
	s.knownMu.Lock()
	dids := make([]string, 0, len(s.known))
	for did := range s.known {
		dids = append(dids, did)
	}
	s.knownMu.Unlock()
	sort.Strings(dids)

	records := make([]*identity.Record, 0, len(dids))
	for _, did := range dids {
		record, err := s.Get(ctx, did)
		if err != nil {
			if stdErrors.Is(err, identity.ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Close 释放资源。链连接由注入的客户端持有，这里不重复关闭。
func (s *LedgerStore) Close() error { return nil }

// Watch 订阅合约事件并转换为审计事件投递。调用方取消上下文即停止。
func (s *LedgerStore) Watch(ctx context.Context, producer audit.Producer) error {
	if producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未提供审计事件投递方")
	}
	sub, err := s.client.SubscribeEvents(ctx, gethcore.FilterQuery{
		Addresses: []common.Address{s.contractAddr},
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "订阅注册表合约事件失败")
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					s.log.Error("合约事件订阅中断", slog.Any("error", err))
				}
				return
			case entry := <-sub.Logs():
				event, ok := s.decodeLog(entry)
				if !ok {
					continue
				}
				if err := producer.Publish(ctx, event); err != nil {
					s.log.Error("链上审计事件投递失败",
						slog.Any("error", err),
						slog.String("did", event.DID),
					)
				}
			}
		}
	}()
	return nil
}

// decodeLog 把合约日志映射为审计事件。未知事件返回 ok=false。
func (s *LedgerStore) decodeLog(entry coretypes.Log) (audit.Event, bool) {
	if len(entry.Topics) < 2 {
		return audit.Event{}, false
	}
	var operation audit.Operation
	switch entry.Topics[0] {
	case registryABI.Events["AgentRegistered"].ID:
		operation = audit.OpRegister
	case registryABI.Events["AgentUpdated"].ID:
		operation = audit.OpUpdate
	case registryABI.Events["ReputationUpdated"].ID:
		operation = audit.OpUpdateReputation
	case registryABI.Events["AgentDeactivated"].ID:
		operation = audit.OpDeactivate
	default:
		return audit.Event{}, false
	}
	agent := common.BytesToAddress(entry.Topics[1].Bytes())
	did := identity.FromAddress(agent.Hex())
	s.remember(did)
	event := audit.NewEvent(did, operation, identity.FromAddress(s.adminAddr.Hex()))
	event.Detail = "tx=" + entry.TxHash.Hex()
	return event, true
}

// getAgent 读取并解码链上记录。
func (s *LedgerStore) getAgent(ctx context.Context, addr common.Address) (*identity.Record, error) {
	var out []any
	err := s.withRetry(ctx, "getAgent", func() error {
		out = out[:0]
		return s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAgent", addr)
	})
	if err != nil {
		if isRevert(err) {
			return nil, identity.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询链上记录失败",
			xerrors.WithMetadata("address", addr.Hex()))
	}
	record, err := decodeAgentOutputs(out)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, identity.ErrNotFound
	}
	return record, nil
}

// transact 提交一笔管理员签名的合约交易并等待回执。
func (s *LedgerStore) transact(ctx context.Context, method string, params ...any) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.warnLowBalance(ctx)
	err := s.withRetry(ctx, method, func() error {
		opts, err := bind.NewKeyedTransactorWithChainID(s.adminKey, s.chainID)
		if err != nil {
			return err
		}
		opts.Context = ctx
		tx, err := s.contract.Transact(opts, method, params...)
		if err != nil {
			return err
		}
		receipt, err := s.wait(ctx, tx)
		if err != nil {
			return err
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			return xerrors.New(xerrors.CodeLedgerFailure, "合约交易执行失败",
				xerrors.WithMetadata("tx", tx.Hash().Hex()),
				xerrors.WithMetadata("method", method),
			)
		}
		s.log.Info("合约交易已确认",
			slog.String("method", method),
			slog.String("tx", tx.Hash().Hex()),
		)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "提交合约交易失败",
			xerrors.WithMetadata("method", method))
	}
	return nil
}

// withRetry 对瞬时故障做有限次退避重试。回滚类错误不重试。
func (s *LedgerStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.maxAttempts || !isTransient(err) {
			break
		}
		s.log.Warn("链上操作失败，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryInterval):
		}
	}
	return err
}

// warnLowBalance 在管理员账户余额不足以覆盖后续交易时打出告警。
func (s *LedgerStore) warnLowBalance(ctx context.Context) {
	balance, err := s.client.BalanceAt(ctx, s.adminAddr)
	if err != nil || balance == nil {
		return
	}
	if balance.Cmp(minAdminBalanceWei) < 0 {
		s.log.Warn("管理员账户余额不足",
			slog.String("admin", s.adminAddr.Hex()),
			slog.String("balance_wei", balance.String()),
		)
	}
}

func (s *LedgerStore) addressOf(did string) (common.Address, error) {
	hexAddr, err := identity.Address(did)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(hexAddr), nil
}

func (s *LedgerStore) remember(did string) {
	s.knownMu.Lock()
	s.known[did] = struct{}{}
	s.knownMu.Unlock()
}

// decodeAgentOutputs 把 getAgent 的返回值组装为身份记录。
// 零地址表示记录不存在。
func decodeAgentOutputs(out []any) (*identity.Record, error) {
	if len(out) != 8 {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "getAgent 返回值形状异常")
	}
	addr, ok0 := out[0].(common.Address)
	publicKey, ok1 := out[1].(string)
	reputation, ok2 := out[2].(*big.Int)
	total, ok3 := out[3].(*big.Int)
	successful, ok4 := out[4].(*big.Int)
	lastUpdated, ok5 := out[5].(*big.Int)
	isActive, ok6 := out[6].(bool)
	metadataJSON, ok7 := out[7].(string)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "getAgent 返回值类型异常")
	}
	if addr == (common.Address{}) {
		return nil, nil
	}

	metadata := map[string]string{}
	if strings.TrimSpace(metadataJSON) != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "解析链上元数据失败")
		}
	}
	return &identity.Record{
		DID:                    identity.FromAddress(addr.Hex()),
		PublicKey:              publicKey,
		Metadata:               metadata,
		Reputation:             reputation.Int64(),
		TotalInteractions:      total.Int64(),
		SuccessfulInteractions: successful.Int64(),
		IsActive:               isActive,
		LastUpdated:            lastUpdated.Int64(),
	}, nil
}

func encodeLedgerMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "编码元数据失败")
	}
	return string(raw), nil
}

// isRevert 判断错误是否为合约回滚。
func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

// isTransient 判断错误是否值得重试。回滚与上下文取消不属于瞬时故障。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if isRevert(err) {
		return false
	}
	return !stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, context.DeadlineExceeded)
}

var (
	_ identity.Store           = (*LedgerStore)(nil)
	_ identity.AdminReassigner = (*LedgerStore)(nil)
)
