package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/repository"
)

// memoryDB 内存版持久化与工作单元
type memoryDB struct {
	mu         sync.Mutex
	users      map[string]*models.User
	identities map[string]*models.ExternalIdentity
	vehicles   map[string]*models.VehicleRecord
	commits    int
	commitErr  error
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		users:      make(map[string]*models.User),
		identities: make(map[string]*models.ExternalIdentity),
		vehicles:   make(map[string]*models.VehicleRecord),
	}
}

func (db *memoryDB) addUser(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[id] = &models.User{ID: id}
}

func (db *memoryDB) setLink(userID string, link models.AccountLink) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[userID].Link = link
}

func (db *memoryDB) addVehicle(v *models.VehicleRecord) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *v
	db.vehicles[v.ID] = &cp
}

func (db *memoryDB) vehicle(id string) models.VehicleRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.vehicles[id]
}

func (db *memoryDB) vehiclesOf(accountID string) []models.VehicleRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.VehicleRecord
	for _, v := range db.vehicles {
		if v.AccountID == accountID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (db *memoryDB) link(userID string) models.AccountLink {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.users[userID].Link
}

func (db *memoryDB) identityCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.identities)
}

func (db *memoryDB) commitCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commits
}

func (db *memoryDB) GetByID(_ context.Context, id string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (db *memoryDB) ListLinked(_ context.Context) ([]*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.User
	for _, u := range db.users {
		if u.Link.Active {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *memoryDB) Get(_ context.Context, userID, provider, subject string) (*models.ExternalIdentity, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, identity := range db.identities {
		if identity.UserID == userID && identity.Provider == provider && identity.Subject == subject {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, nil
}

func (db *memoryDB) FindByVehicleID(_ context.Context, vehicleID string) ([]*models.VehicleRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.VehicleRecord
	for _, v := range db.vehicles {
		if v.VehicleID == vehicleID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (db *memoryDB) ListByAccount(_ context.Context, accountID string) ([]*models.VehicleRecord, error) {
	var out []*models.VehicleRecord
	for _, v := range db.vehiclesOf(accountID) {
		cp := v
		out = append(out, &cp)
	}
	return out, nil
}

// Commit 先校验后写入，保证原子性
func (db *memoryDB) Commit(_ context.Context, cs *models.ChangeSet) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.commitErr != nil {
		return db.commitErr
	}
	for _, v := range cs.CreatedVehicles {
		for _, existing := range db.vehicles {
			if existing.AccountID == v.AccountID && existing.VehicleID == v.VehicleID {
				return fmt.Errorf("duplicate vehicle %s for account %s", v.VehicleID, v.AccountID)
			}
		}
	}
	for _, v := range cs.UpdatedVehicles {
		existing, ok := db.vehicles[v.ID]
		if !ok || existing.AccountID != v.AccountID {
			return repository.ErrNotFound
		}
	}

	if cs.Link != nil {
		db.users[cs.UserID].Link = *cs.Link
	}
	if cs.Synced != nil {
		if u, ok := db.users[cs.UserID]; ok && u.Link.Active && u.Link.ExternalAccountID == cs.Synced.AccountID {
			u.Link = u.Link.MarkSynced(cs.Synced.SyncedAt)
		}
	}
	if cs.Identity != nil {
		cp := *cs.Identity
		db.identities[cp.ID] = &cp
	}
	for _, v := range cs.CreatedVehicles {
		cp := *v
		db.vehicles[v.ID] = &cp
	}
	for _, v := range cs.UpdatedVehicles {
		cp := *v
		db.vehicles[v.ID] = &cp
	}
	db.commits++
	return nil
}

// fakeLister 模拟车辆列表接口
type fakeLister struct {
	mu       sync.Mutex
	vehicles []tesla.Vehicle
	err      error
	calls    int
	tokens   []string
	before   func()
}

func (f *fakeLister) ListVehicles(_ context.Context, accessToken string) ([]tesla.Vehicle, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, accessToken)
	before := f.before
	vehicles, err := f.vehicles, f.err
	f.mu.Unlock()

	if before != nil {
		before()
	}
	return vehicles, err
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeOAuth 模拟 OAuth 令牌端点
type fakeOAuth struct {
	mu           sync.Mutex
	tokens       *tesla.Tokens
	refreshed    *tesla.Tokens
	subject      string
	revokeResult bool
	exchanged    []string
	refreshedRTs []string
	revoked      []string
}

func (f *fakeOAuth) AuthorizationURL(state string) string {
	return "https://auth.example.com/oauth2/v3/authorize?state=" + state
}

func (f *fakeOAuth) ExchangeCode(_ context.Context, code string) *tesla.Tokens {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanged = append(f.exchanged, code)
	return f.tokens
}

func (f *fakeOAuth) Refresh(_ context.Context, refreshToken string) *tesla.Tokens {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshedRTs = append(f.refreshedRTs, refreshToken)
	return f.refreshed
}

func (f *fakeOAuth) Revoke(_ context.Context, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return f.revokeResult
}

func (f *fakeOAuth) ExtractSubject(idToken string) string {
	if idToken == "" {
		return ""
	}
	return f.subject
}

// recordingNotifier 记录同步通知
type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *recordingNotifier) NotifyVehiclesSynced(userID string, changed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[userID] = changed
}
