package memory

import (
	"context"
	"sort"
	"sync"

	"presence-service/internal/model"
)

// AccountStore keeps accounts in a map guarded by one RWMutex. It backs unit
// tests and single-node deployments without a ScyllaDB cluster. Every Get and
// Save works on deep copies, so callers never alias stored state.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]*model.Account),
	}
}

func (s *AccountStore) Get(ctx context.Context, phone string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[phone]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (s *AccountStore) Create(ctx context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.PhoneNumber]; ok {
		return model.ErrAccountExists
	}
	s.accounts[account.PhoneNumber] = cloneAccount(account)
	return nil
}

func (s *AccountStore) Save(ctx context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneAccount(account)
	if !account.PruneBefore.IsZero() {
		kept := stored.RequestLog[:0]
		for _, e := range stored.RequestLog {
			if e.Timestamp.After(account.PruneBefore) {
				kept = append(kept, e)
			}
		}
		stored.RequestLog = kept
	}
	stored.PruneBefore = account.PruneBefore

	s.accounts[account.PhoneNumber] = stored
	return nil
}

func (s *AccountStore) Delete(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[phone]; !ok {
		return model.ErrAccountNotFound
	}
	delete(s.accounts, phone)
	return nil
}

func (s *AccountStore) ForEach(ctx context.Context, fn func(*model.Account) error) error {
	s.mu.RLock()
	phones := make([]string, 0, len(s.accounts))
	for phone := range s.accounts {
		phones = append(phones, phone)
	}
	s.mu.RUnlock()

	// Stable order keeps scans deterministic
	sort.Strings(phones)

	for _, phone := range phones {
		s.mu.RLock()
		account, ok := s.accounts[phone]
		var copied *model.Account
		if ok {
			copied = cloneAccount(account)
		}
		s.mu.RUnlock()

		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(copied); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccountStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.accounts)), nil
}

func cloneAccount(a *model.Account) *model.Account {
	copied := *a
	if a.RequestLog != nil {
		copied.RequestLog = make([]model.RequestEntry, len(a.RequestLog))
		copy(copied.RequestLog, a.RequestLog)
	}
	if a.Friends != nil {
		copied.Friends = make([]string, len(a.Friends))
		copy(copied.Friends, a.Friends)
	}
	if a.PINHash != nil {
		pin := *a.PINHash
		copied.PINHash = &pin
	}
	return &copied
}
