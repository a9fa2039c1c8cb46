package store

import (
	"context"
	"sync"

	"github.com/dontdude/receiptflow/internal/domain"
)

type memoryTeam struct {
	leaderID int64
	members  []int64 // join order
	deleted  bool
}

type scopeKey struct {
	memberID int64
	teamID   int64
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu           sync.Mutex
	categories   map[scopeKey][]string
	transactions map[scopeKey][]domain.Transaction
	teams        map[int64]*memoryTeam
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories:   make(map[scopeKey][]string),
		transactions: make(map[scopeKey][]domain.Transaction),
		teams:        make(map[int64]*memoryTeam),
	}
}

// AddCategories registers labels for a member's personal ledger (teamID 0) or for a team.
func (s *MemoryStore) AddCategories(memberID, teamID int64, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := categoryScope(memberID, teamID)
	s.categories[k] = append(s.categories[k], names...)
}

// AddTeam creates a team; the first member is its leader.
func (s *MemoryStore) AddTeam(teamID int64, members ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &memoryTeam{members: append([]int64(nil), members...)}
	if len(members) > 0 {
		t.leaderID = members[0]
	}
	s.teams[teamID] = t
}

// Team reports leader and members of a team, and whether it is still active.
func (s *MemoryStore) Team(teamID int64) (leaderID int64, members []int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return 0, nil, false
	}
	return t.leaderID, append([]int64(nil), t.members...), !t.deleted
}

// Transactions returns what was saved for the scope.
func (s *MemoryStore) Transactions(memberID, teamID int64) []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transaction(nil), s.transactions[scopeKey{memberID, teamID}]...)
}

// CategoryNames returns the team's categories, or the member's own for teamID 0.
func (s *MemoryStore) CategoryNames(ctx context.Context, memberID, teamID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.categories[categoryScope(memberID, teamID)]...), nil
}

// SaveTransactions appends txs to the ledger of the member or team.
func (s *MemoryStore) SaveTransactions(ctx context.Context, memberID, teamID int64, txs []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopeKey{memberID, teamID}
	s.transactions[k] = append(s.transactions[k], txs...)
	return nil
}

// LeaveTeam removes the membership and hands leadership to the earliest remaining member.
func (s *MemoryStore) LeaveTeam(ctx context.Context, teamID, memberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok || t.deleted {
		return ErrNotFound
	}
	idx := -1
	for i, m := range t.members {
		if m == memberID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	t.members = append(t.members[:idx], t.members[idx+1:]...)

	if len(t.members) == 0 {
		t.deleted = true
		return nil
	}
	if t.leaderID == memberID {
		t.leaderID = t.members[0]
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Team categories are shared by every member.
func categoryScope(memberID, teamID int64) scopeKey {
	if teamID != 0 {
		return scopeKey{teamID: teamID}
	}
	return scopeKey{memberID: memberID}
}
