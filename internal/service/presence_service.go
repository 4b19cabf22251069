package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"presence-service/internal/bucketing"
	"presence-service/internal/model"
	"presence-service/internal/util"
)

var (
	ErrSelfFriend     = errors.New("cannot add yourself as a friend")
	ErrAlreadyFriends = errors.New("already friends")
	ErrNotFriends     = errors.New("not friends")
	ErrNameTooLong    = errors.New("name too long")
)

const maxNameLength = 50

// FriendView is what a user sees about each friend: name and whether they
// are currently up for a call.
type FriendView struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
	IsAvailable bool   `json:"is_available"`
}

// Profile is the caller's own account view.
type Profile struct {
	PhoneNumber string    `json:"phone_number"`
	Name        string    `json:"name"`
	IsAvailable bool      `json:"is_available"`
	FriendCount int       `json:"friend_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// PresenceService owns the social surface: availability toggles, display
// names, and the friend graph. Friendships are stored one directional; each
// side manages its own list.
type PresenceService struct {
	store model.AccountStore
	locks *bucketing.StripedLocks
}

func NewPresenceService(store model.AccountStore, locks *bucketing.StripedLocks) *PresenceService {
	return &PresenceService{store: store, locks: locks}
}

func (s *PresenceService) GetProfile(ctx context.Context, phone string) (*Profile, error) {
	account, err := s.store.Get(ctx, phone)
	if err != nil {
		return nil, err
	}
	return profileOf(account), nil
}

func (s *PresenceService) SetAvailability(ctx context.Context, phone string, available bool) (*Profile, error) {
	account, err := s.update(ctx, phone, func(a *model.Account) error {
		a.IsAvailable = available
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.Debug("Availability updated",
		util.String("phone", util.MaskPhone(phone)),
		util.Bool("available", available))
	return profileOf(account), nil
}

func (s *PresenceService) SetName(ctx context.Context, phone, name string) (*Profile, error) {
	name = strings.TrimSpace(name)
	if len(name) > maxNameLength {
		return nil, ErrNameTooLong
	}

	account, err := s.update(ctx, phone, func(a *model.Account) error {
		a.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profileOf(account), nil
}

// AddFriend links friendPhone into phone's list. The target account must
// exist; duplicates and self links are rejected.
func (s *PresenceService) AddFriend(ctx context.Context, phone, rawFriendPhone string) error {
	friendPhone, err := util.NormalizePhone(rawFriendPhone)
	if err != nil {
		return err
	}
	if friendPhone == phone {
		return ErrSelfFriend
	}

	if _, err := s.store.Get(ctx, friendPhone); err != nil {
		return err
	}

	_, err = s.update(ctx, phone, func(a *model.Account) error {
		for _, f := range a.Friends {
			if f == friendPhone {
				return ErrAlreadyFriends
			}
		}
		a.Friends = append(a.Friends, friendPhone)
		return nil
	})
	return err
}

func (s *PresenceService) RemoveFriend(ctx context.Context, phone, rawFriendPhone string) error {
	friendPhone, err := util.NormalizePhone(rawFriendPhone)
	if err != nil {
		return err
	}

	_, err = s.update(ctx, phone, func(a *model.Account) error {
		for i, f := range a.Friends {
			if f == friendPhone {
				a.Friends = append(a.Friends[:i], a.Friends[i+1:]...)
				return nil
			}
		}
		return ErrNotFriends
	})
	return err
}

// Friends resolves phone's friend list to names and availability. Friends
// whose accounts have since been deleted are skipped.
func (s *PresenceService) Friends(ctx context.Context, phone string) ([]FriendView, error) {
	account, err := s.store.Get(ctx, phone)
	if err != nil {
		return nil, err
	}

	views := make([]FriendView, 0, len(account.Friends))
	for _, friendPhone := range account.Friends {
		friend, err := s.store.Get(ctx, friendPhone)
		if errors.Is(err, model.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load friend: %w", err)
		}
		views = append(views, FriendView{
			PhoneNumber: friend.PhoneNumber,
			Name:        friend.Name,
			IsAvailable: friend.IsAvailable,
		})
	}
	return views, nil
}

func (s *PresenceService) update(ctx context.Context, phone string, mutate func(*model.Account) error) (*model.Account, error) {
	unlock := s.locks.Lock(phone)
	defer unlock()

	account, err := s.store.Get(ctx, phone)
	if err != nil {
		return nil, err
	}

	if err := mutate(account); err != nil {
		return nil, err
	}
	account.UpdatedAt = time.Now()

	if err := s.store.Save(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func profileOf(a *model.Account) *Profile {
	return &Profile{
		PhoneNumber: a.PhoneNumber,
		Name:        a.Name,
		IsAvailable: a.IsAvailable,
		FriendCount: len(a.Friends),
		CreatedAt:   a.CreatedAt,
	}
}
