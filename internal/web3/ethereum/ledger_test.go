package ethereum

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethevent "github.com/ethereum/go-ethereum/event"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/audit"
	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/web3"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// agentState 是假合约里的单条记录。
type agentState struct {
	publicKey              string
	reputation             int64
	totalInteractions      int64
	successfulInteractions int64
	lastUpdated            int64
	isActive               bool
	metadata               string
}

// fakeContract 以内存状态模拟 AgentRegistry 合约。
type fakeContract struct {
	mu        sync.Mutex
	admin     common.Address
	agents    map[common.Address]*agentState
	callErrs  []error
	transacts []string
	nonce     uint64
}

func newFakeContract() *fakeContract {
	return &fakeContract{agents: make(map[common.Address]*agentState)}
}

func (f *fakeContract) scriptCallError(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErrs = append(f.callErrs, errs...)
}

func (f *fakeContract) Call(_ *bind.CallOpts, results *[]any, method string, params ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		if err != nil {
			return err
		}
	}
	switch method {
	case "admin":
		*results = []any{f.admin}
		return nil
	case "getAgent":
		addr := params[0].(common.Address)
		state, ok := f.agents[addr]
		if !ok {
			return stdErrors.New("execution reverted: agent not registered")
		}
		*results = []any{
			addr,
			state.publicKey,
			big.NewInt(state.reputation),
			big.NewInt(state.totalInteractions),
			big.NewInt(state.successfulInteractions),
			big.NewInt(state.lastUpdated),
			state.isActive,
			state.metadata,
		}
		return nil
	default:
		return stdErrors.New("未知方法: " + method)
	}
}

func (f *fakeContract) Transact(_ *bind.TransactOpts, method string, params ...any) (*coretypes.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transacts = append(f.transacts, method)
	switch method {
	case "registerAgent":
		addr := params[0].(common.Address)
		f.agents[addr] = &agentState{
			publicKey:   params[1].(string),
			reputation:  identity.InitialReputation,
			lastUpdated: time.Now().Unix(),
			isActive:    true,
			metadata:    params[2].(string),
		}
	case "updateAgent":
		addr := params[0].(common.Address)
		state := f.agents[addr]
		state.publicKey = params[1].(string)
		state.metadata = params[2].(string)
	case "updateReputation":
		addr := params[0].(common.Address)
		state := f.agents[addr]
		state.totalInteractions++
		if params[1].(bool) {
			state.successfulInteractions++
		}
		state.reputation = state.successfulInteractions * 100 / state.totalInteractions
	case "deactivateAgent":
		addr := params[0].(common.Address)
		f.agents[addr].isActive = false
	case "registerAdmin":
		f.admin = params[0].(common.Address)
	}
	f.nonce++
	tx := coretypes.NewTx(&coretypes.LegacyTx{Nonce: f.nonce, Gas: 21_000, GasPrice: big.NewInt(1)})
	return tx, nil
}

type fakeSubscription struct {
	errs chan error
	once sync.Once
}

func (s *fakeSubscription) Unsubscribe() { s.once.Do(func() { close(s.errs) }) }
func (s *fakeSubscription) Err() <-chan error {
	return s.errs
}

// fakeChainClient 满足 web3.Client，供账本存储在测试中使用。
type fakeChainClient struct {
	balance *big.Int
	logs    chan coretypes.Log
	sub     *fakeSubscription
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		balance: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		logs:    make(chan coretypes.Log, 8),
		sub:     &fakeSubscription{errs: make(chan error, 1)},
	}
}

func (c *fakeChainClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "0x539"}, nil
}

func (c *fakeChainClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return c.balance, nil
}

func (c *fakeChainClient) SubscribeEvents(context.Context, gethcore.FilterQuery) (*web3.EventSubscription, error) {
	return web3.NewEventSubscription(c.logs, gethevent.Subscription(c.sub)), nil
}

func (c *fakeChainClient) ContractBackend() bind.ContractBackend { return nil }

func (c *fakeChainClient) Close() {}

// capturingProducer 收集审计事件。
type capturingProducer struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *capturingProducer) Publish(_ context.Context, event audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func (p *capturingProducer) snapshot() []audit.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audit.Event(nil), p.events...)
}

func newTestLedger(t *testing.T, contract *fakeContract) (*LedgerStore, *fakeChainClient) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	client := newFakeChainClient()
	store := &LedgerStore{
		client:        client,
		contract:      contract,
		contractAddr:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		adminKey:      key,
		adminAddr:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(1337),
		maxAttempts:   3,
		retryInterval: time.Millisecond,
		known:         make(map[string]struct{}),
		log:           logger.Named("web3.ledger.test"),
		wait: func(context.Context, *coretypes.Transaction) (*coretypes.Receipt, error) {
			return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
		},
	}
	return store, client
}

func ledgerTestDID(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	return identity.FromAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestLedgerRegisterAndGet(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	ctx := context.Background()
	did := ledgerTestDID(t)

	record := &identity.Record{
		DID:       did,
		PublicKey: "04abc",
		Metadata:  map[string]string{"kind": "expert"},
	}
	if err := store.Register(ctx, record); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	got, err := store.Get(ctx, did)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if got.DID != did || got.PublicKey != "04abc" || !got.IsActive {
		t.Fatalf("记录不符: %+v", got)
	}
	if got.Reputation != identity.InitialReputation {
		t.Fatalf("初始信誉 = %d", got.Reputation)
	}
	if got.Metadata["kind"] != "expert" {
		t.Fatalf("元数据不符: %v", got.Metadata)
	}

	if err := store.Register(ctx, record); !stdErrors.Is(err, identity.ErrDuplicateDid) {
		t.Fatalf("重复登记错误 = %v", err)
	}
}

func TestLedgerGetNotFound(t *testing.T) {
	store, _ := newTestLedger(t, newFakeContract())
	_, err := store.Get(context.Background(), ledgerTestDID(t))
	if !stdErrors.Is(err, identity.ErrNotFound) {
		t.Fatalf("错误 = %v, 期望 NotFound", err)
	}
}

func TestLedgerUpdateReputation(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	ctx := context.Background()
	did := ledgerTestDID(t)

	if err := store.Register(ctx, &identity.Record{DID: did, PublicKey: "04abc"}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	outcomes := []bool{true, false, true}
	var record *identity.Record
	var err error
	for _, success := range outcomes {
		record, err = store.UpdateReputation(ctx, did, success)
		if err != nil {
			t.Fatalf("更新信誉失败: %v", err)
		}
	}
	if record.TotalInteractions != 3 || record.SuccessfulInteractions != 2 {
		t.Fatalf("计数 = %d/%d", record.SuccessfulInteractions, record.TotalInteractions)
	}
	if record.Reputation != 66 {
		t.Fatalf("信誉 = %d, 期望 66", record.Reputation)
	}
}

func TestLedgerDeactivateIsOneWay(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	ctx := context.Background()
	did := ledgerTestDID(t)

	if err := store.Register(ctx, &identity.Record{DID: did, PublicKey: "04abc"}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}
	if err := store.Deactivate(ctx, did); err != nil {
		t.Fatalf("停用失败: %v", err)
	}
	if err := store.Deactivate(ctx, did); !stdErrors.Is(err, identity.ErrAlreadyInactive) {
		t.Fatalf("重复停用错误 = %v", err)
	}
	if _, err := store.UpdateReputation(ctx, did, true); !stdErrors.Is(err, identity.ErrInactive) {
		t.Fatalf("停用后更新错误 = %v", err)
	}

	// 停用记录仍可读。
	record, err := store.Get(ctx, did)
	if err != nil {
		t.Fatalf("停用后查询失败: %v", err)
	}
	if record.IsActive {
		t.Fatal("停用后 IsActive 仍为真")
	}
}

func TestLedgerReassignAdmin(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	ctx := context.Background()
	newAdmin := "did:eth:0x00000000000000000000000000000000000000b2"

	if err := store.ReassignAdmin(ctx, newAdmin); err != nil {
		t.Fatalf("移交管理员失败: %v", err)
	}
	admin, err := store.Admin(ctx)
	if err != nil {
		t.Fatalf("查询管理员失败: %v", err)
	}
	if !strings.EqualFold(admin, "0x00000000000000000000000000000000000000b2") {
		t.Fatalf("管理员地址 = %s", admin)
	}
}

func TestLedgerRetriesTransientCallFailures(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	ctx := context.Background()
	did := ledgerTestDID(t)

	if err := store.Register(ctx, &identity.Record{DID: did, PublicKey: "04abc"}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	// 前两次查询遇到网络抖动，第三次成功。
	contract.scriptCallError(stdErrors.New("connection reset"), stdErrors.New("i/o timeout"))
	record, err := store.Get(ctx, did)
	if err != nil {
		t.Fatalf("重试后仍失败: %v", err)
	}
	if record.DID != did {
		t.Fatalf("记录不符: %+v", record)
	}
}

func TestLedgerDoesNotRetryReverts(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	did := ledgerTestDID(t)

	// 回滚错误直接映射为 NotFound，不应消耗剩余重试脚本。
	contract.scriptCallError(stdErrors.New("execution reverted: agent not registered"))
	_, err := store.Get(context.Background(), did)
	if !stdErrors.Is(err, identity.ErrNotFound) {
		t.Fatalf("错误 = %v, 期望 NotFound", err)
	}
	contract.mu.Lock()
	remaining := len(contract.callErrs)
	contract.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("剩余脚本错误 = %d", remaining)
	}
}

func TestLedgerListTracksKnownAgents(t *testing.T) {
	contract := newFakeContract()
	store, _ := newTestLedger(t, contract)
	ctx := context.Background()

	first := ledgerTestDID(t)
	second := ledgerTestDID(t)
	for _, did := range []string{first, second} {
		if err := store.Register(ctx, &identity.Record{DID: did, PublicKey: "04abc"}); err != nil {
			t.Fatalf("登记失败: %v", err)
		}
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("列举失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("记录数 = %d, 期望 2", len(records))
	}
}

func TestLedgerWatchPublishesAuditEvents(t *testing.T) {
	contract := newFakeContract()
	store, client := newTestLedger(t, contract)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := &capturingProducer{}
	if err := store.Watch(ctx, producer); err != nil {
		t.Fatalf("启动事件订阅失败: %v", err)
	}

	agent := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	client.logs <- coretypes.Log{
		Address: store.contractAddr,
		Topics: []common.Hash{
			registryABI.Events["AgentRegistered"].ID,
			common.BytesToHash(agent.Bytes()),
		},
		TxHash: common.HexToHash("0x01"),
	}

	deadline := time.After(2 * time.Second)
	for {
		events := producer.snapshot()
		if len(events) == 1 {
			if events[0].Operation != audit.OpRegister {
				t.Fatalf("事件操作 = %s", events[0].Operation)
			}
			if events[0].DID != identity.FromAddress(agent.Hex()) {
				t.Fatalf("事件 DID = %s", events[0].DID)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("等待审计事件超时")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLedgerRejectsBadConfig(t *testing.T) {
	client := newFakeChainClient()
	cases := []struct {
		name string
		cfg  LedgerConfig
	}{
		{"非法合约地址", LedgerConfig{ContractAddress: "not-hex", AdminKeyHex: "ab", ChainID: 1}},
		{"缺少链 ID", LedgerConfig{ContractAddress: "0x00000000000000000000000000000000000000aa", AdminKeyHex: "ab"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewLedgerStore(client, tc.cfg)
			if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
				t.Fatalf("错误码 = %s", xerrors.CodeOf(err))
			}
		})
	}
}
