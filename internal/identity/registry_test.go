package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/audit"
)

const (
	testAdminDID = "did:eth:0x00000000000000000000000000000000000000ad"
	testAgentDID = "did:eth:0x00000000000000000000000000000000000000a1"
)

// recordingProducer 捕获注册表发出的审计事件。
type recordingProducer struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *recordingProducer) Publish(_ context.Context, event audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) snapshot() []audit.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audit.Event(nil), p.events...)
}

func newTestRegistry(t *testing.T) (*Registry, *recordingProducer) {
	t.Helper()
	producer := &recordingProducer{}
	registry, err := NewRegistry(NewMemoryStore(), testAdminDID, WithAuditProducer(producer))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry, producer
}

func TestRegisterAndLookup(t *testing.T) {
	registry, producer := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Register(ctx, testAgentDID, "0x04a1", map[string]string{"role": "expert"}, testAdminDID); err != nil {
		t.Fatalf("register: %v", err)
	}

	record, err := registry.Lookup(ctx, testAgentDID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Reputation != InitialReputation {
		t.Fatalf("initial reputation = %d, want %d", record.Reputation, InitialReputation)
	}
	if !record.IsActive {
		t.Fatal("new record must be active")
	}
	if record.Metadata["role"] != "expert" {
		t.Fatalf("metadata not stored: %+v", record.Metadata)
	}

	events := producer.snapshot()
	if len(events) != 1 || events[0].Operation != audit.OpRegister {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestLookupAcceptsEitherSpelling(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Register(ctx, testAgentDID, "0x04a1", nil, testAdminDID); err != nil {
		t.Fatalf("register: %v", err)
	}
	alias := "did:ethr:0x00000000000000000000000000000000000000A1"
	record, err := registry.Lookup(ctx, alias)
	if err != nil {
		t.Fatalf("lookup via legacy spelling: %v", err)
	}
	if record.DID != testAgentDID {
		t.Fatalf("lookup returned %q, want canonical %q", record.DID, testAgentDID)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Register(ctx, testAgentDID, "0x04a1", nil, testAdminDID); err != nil {
		t.Fatalf("register: %v", err)
	}
	// 大小写或拼写不同的同一地址也算重复。
	err := registry.Register(ctx, "did:ethr:0x00000000000000000000000000000000000000A1", "0x04a2", nil, testAdminDID)
	if !errors.Is(err, ErrDuplicateDid) {
		t.Fatalf("expected ErrDuplicateDid, got %v", err)
	}

	// 停用后记录仍占用该 DID。
	if err := registry.Deactivate(ctx, testAgentDID, testAdminDID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	err = registry.Register(ctx, testAgentDID, "0x04a3", nil, testAdminDID)
	if !errors.Is(err, ErrDuplicateDid) {
		t.Fatalf("expected ErrDuplicateDid after deactivation, got %v", err)
	}
}

func TestNonAdminMutationsAreRejected(t *testing.T) {
	registry, producer := newTestRegistry(t)
	ctx := context.Background()
	outsider := "did:eth:0x00000000000000000000000000000000000000ee"

	if err := registry.Register(ctx, testAgentDID, "0x04a1", nil, outsider); err == nil {
		t.Fatal("register by non-admin must fail")
	}
	if err := registry.Deactivate(ctx, testAgentDID, outsider); err == nil {
		t.Fatal("deactivate by non-admin must fail")
	}
	if err := registry.ReassignAdmin(ctx, outsider, outsider); err == nil {
		t.Fatal("reassign by non-admin must fail")
	}
	if events := producer.snapshot(); len(events) != 0 {
		t.Fatalf("rejected mutations must not emit audit events: %+v", events)
	}
}

func TestDeactivateUnregisteredDID(t *testing.T) {
	registry, _ := newTestRegistry(t)
	err := registry.Deactivate(context.Background(), testAgentDID, testAdminDID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivateIsOneWay(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Register(ctx, testAgentDID, "0x04a1", nil, testAdminDID); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Deactivate(ctx, testAgentDID, testAdminDID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	err := registry.Deactivate(ctx, testAgentDID, testAdminDID)
	if !errors.Is(err, ErrAlreadyInactive) {
		t.Fatalf("expected ErrAlreadyInactive, got %v", err)
	}
	err = registry.Update(ctx, testAgentDID, "0x04a2", nil, testAdminDID)
	if !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive on update, got %v", err)
	}

	// 停用后记录仍然可读。
	record, err := registry.Lookup(ctx, testAgentDID)
	if err != nil {
		t.Fatalf("lookup after deactivation: %v", err)
	}
	if record.IsActive {
		t.Fatal("record must stay inactive")
	}
}

func TestReassignAdminTransfersAuthority(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	newAdmin := "did:eth:0x00000000000000000000000000000000000000b2"

	if err := registry.ReassignAdmin(ctx, newAdmin, testAdminDID); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got := registry.Admin(); got != newAdmin {
		t.Fatalf("admin = %q, want %q", got, newAdmin)
	}

	// 旧管理员立即失权，新管理员可以操作。
	if err := registry.Register(ctx, testAgentDID, "0x04a1", nil, testAdminDID); err == nil {
		t.Fatal("old admin must lose authority")
	}
	if err := registry.Register(ctx, testAgentDID, "0x04a1", nil, newAdmin); err != nil {
		t.Fatalf("new admin register: %v", err)
	}
}

func TestListReturnsSortedClones(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	first := "did:eth:0x00000000000000000000000000000000000000a1"
	second := "did:eth:0x00000000000000000000000000000000000000b1"

	if err := registry.Register(ctx, second, "0x04b1", nil, testAdminDID); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if err := registry.Register(ctx, first, "0x04a1", nil, testAdminDID); err != nil {
		t.Fatalf("register first: %v", err)
	}

	records, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].DID != first || records[1].DID != second {
		t.Fatalf("unexpected list order: %+v", records)
	}

	// 返回的是副本，修改不影响存储。
	records[0].PublicKey = "tampered"
	fresh, err := registry.Lookup(ctx, first)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if fresh.PublicKey != "0x04a1" {
		t.Fatal("list must return clones")
	}
}

func TestMemoryStoreReputationMath(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := &Record{DID: testAgentDID, PublicKey: "0x04a1", Reputation: InitialReputation, IsActive: true}
	if err := store.Register(ctx, record); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcomes := []bool{true, false, true}
	var last *Record
	var err error
	for _, ok := range outcomes {
		last, err = store.UpdateReputation(ctx, testAgentDID, ok)
		if err != nil {
			t.Fatalf("update reputation: %v", err)
		}
	}
	// floor(2*100/3) = 66
	if last.Reputation != 66 {
		t.Fatalf("reputation = %d, want 66", last.Reputation)
	}
	if last.TotalInteractions != 3 || last.SuccessfulInteractions != 2 {
		t.Fatalf("counters = %d/%d, want 2/3", last.SuccessfulInteractions, last.TotalInteractions)
	}

	if err := store.Deactivate(ctx, testAgentDID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := store.UpdateReputation(ctx, testAgentDID, true); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}
