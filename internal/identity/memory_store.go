package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
)

// MemoryStore 以内存方式保存身份记录，用于测试与单机部署。
// mu 只保护 records 映射本身；记录字段的读改写通过 per-DID 锁串行化，
// 因此不同 DID 的写操作互不阻塞，读操作也不会被其他 DID 的写阻塞。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor 返回指定 DID 的互斥锁，首次访问时惰性创建。
func (m *MemoryStore) lockFor(did string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[did]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[did] = lock
	}
	return lock
}

// lookup 在映射读锁下取出记录指针。
func (m *MemoryStore) lookup(did string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[did]
	return record, ok
}

// Register 实现 Store 接口。
func (m *MemoryStore) Register(_ context.Context, record *Record) error {
	if record == nil || record.DID == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "record 不能为空")
	}
	lock := m.lockFor(record.DID)
	lock.Lock()
	defer lock.Unlock()

	if _, exists := m.lookup(record.DID); exists {
		return ErrDuplicateDid
	}
	clone := record.Clone()
	if clone.LastUpdated == 0 {
		clone.LastUpdated = time.Now().Unix()
	}
	m.mu.Lock()
	m.records[record.DID] = clone
	m.mu.Unlock()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, did string) (*Record, error) {
	record, ok := m.lookup(did)
	if !ok {
		return nil, ErrNotFound
	}
	lock := m.lockFor(did)
	lock.Lock()
	defer lock.Unlock()
	return record.Clone(), nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, did, publicKey string, metadata map[string]string) error {
	record, ok := m.lookup(did)
	if !ok {
		return ErrNotFound
	}
	lock := m.lockFor(did)
	lock.Lock()
	defer lock.Unlock()
	if !record.IsActive {
		return ErrInactive
	}
	if publicKey != "" {
		record.PublicKey = publicKey
	}
	if metadata != nil {
		record.Metadata = cloneMetadata(metadata)
	}
	record.LastUpdated = time.Now().Unix()
	return nil
}

// UpdateReputation 实现 Store 接口。先自增计数再做除法，
// 因此不存在除零情形。
func (m *MemoryStore) UpdateReputation(_ context.Context, did string, success bool) (*Record, error) {
	record, ok := m.lookup(did)
	if !ok {
		return nil, ErrNotFound
	}
	lock := m.lockFor(did)
	lock.Lock()
	defer lock.Unlock()
	if !record.IsActive {
		return nil, ErrInactive
	}
	record.TotalInteractions++
	if success {
		record.SuccessfulInteractions++
	}
	record.RecomputeReputation()
	record.LastUpdated = time.Now().Unix()
	return record.Clone(), nil
}

// Deactivate 实现 Store 接口。停用是单向迁移。
func (m *MemoryStore) Deactivate(_ context.Context, did string) error {
	record, ok := m.lookup(did)
	if !ok {
		return ErrNotFound
	}
	lock := m.lockFor(did)
	lock.Lock()
	defer lock.Unlock()
	if !record.IsActive {
		return ErrAlreadyInactive
	}
	record.IsActive = false
	record.LastUpdated = time.Now().Unix()
	return nil
}

// List 实现 Store 接口，按 DID 排序返回。
func (m *MemoryStore) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	pointers := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		pointers = append(pointers, record)
	}
	m.mu.RUnlock()

	records := make([]*Record, 0, len(pointers))
	for _, record := range pointers {
		lock := m.lockFor(record.DID)
		lock.Lock()
		records = append(records, record.Clone())
		lock.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DID < records[j].DID })
	return records, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
