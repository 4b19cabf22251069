package service

import (
	"context"
	"errors"
	"testing"

	"presence-service/internal/bucketing"
	"presence-service/internal/model"
	"presence-service/internal/repository/memory"
)

func newTestPresenceService(t *testing.T) (*PresenceService, *memory.AccountStore) {
	t.Helper()
	store := memory.NewAccountStore()
	locks := bucketing.NewStripedLocks(bucketing.NewManager(testConfig()))
	return NewPresenceService(store, locks), store
}

func seed(t *testing.T, store *memory.AccountStore, account *model.Account) {
	t.Helper()
	if err := store.Create(context.Background(), account); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestSetAvailability(t *testing.T) {
	svc, store := newTestPresenceService(t)
	ctx := context.Background()
	seed(t, store, &model.Account{PhoneNumber: "+15550001111"})

	profile, err := svc.SetAvailability(ctx, "+15550001111", true)
	if err != nil {
		t.Fatal(err)
	}
	if !profile.IsAvailable {
		t.Fatal("availability not set")
	}

	profile, err = svc.SetAvailability(ctx, "+15550001111", false)
	if err != nil {
		t.Fatal(err)
	}
	if profile.IsAvailable {
		t.Fatal("availability not cleared")
	}
}

func TestSetName(t *testing.T) {
	svc, store := newTestPresenceService(t)
	ctx := context.Background()
	seed(t, store, &model.Account{PhoneNumber: "+15550001111"})

	profile, err := svc.SetName(ctx, "+15550001111", "  Alex  ")
	if err != nil {
		t.Fatal(err)
	}
	if profile.Name != "Alex" {
		t.Fatalf("name = %q, want Alex", profile.Name)
	}

	long := make([]byte, maxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := svc.SetName(ctx, "+15550001111", string(long)); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("err = %v, want ErrNameTooLong", err)
	}
}

func TestFriendLifecycle(t *testing.T) {
	svc, store := newTestPresenceService(t)
	ctx := context.Background()
	seed(t, store, &model.Account{PhoneNumber: "+15550001111"})
	seed(t, store, &model.Account{PhoneNumber: "+15550002222", Name: "Sam", IsAvailable: true})

	if err := svc.AddFriend(ctx, "+15550001111", "+1 555 000 2222"); err != nil {
		t.Fatal(err)
	}

	if err := svc.AddFriend(ctx, "+15550001111", "+15550002222"); !errors.Is(err, ErrAlreadyFriends) {
		t.Fatalf("duplicate add err = %v", err)
	}
	if err := svc.AddFriend(ctx, "+15550001111", "+15550001111"); !errors.Is(err, ErrSelfFriend) {
		t.Fatalf("self add err = %v", err)
	}
	if err := svc.AddFriend(ctx, "+15550001111", "+15559999999"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("unknown target err = %v", err)
	}

	friends, err := svc.Friends(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 1 {
		t.Fatalf("friends = %+v", friends)
	}
	if friends[0].Name != "Sam" || !friends[0].IsAvailable {
		t.Fatalf("friend view = %+v", friends[0])
	}

	if err := svc.RemoveFriend(ctx, "+15550001111", "+15550002222"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RemoveFriend(ctx, "+15550001111", "+15550002222"); !errors.Is(err, ErrNotFriends) {
		t.Fatalf("double remove err = %v", err)
	}

	friends, err = svc.Friends(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 0 {
		t.Fatalf("friends after remove = %+v", friends)
	}
}

func TestFriendsSkipsDeletedAccounts(t *testing.T) {
	svc, store := newTestPresenceService(t)
	ctx := context.Background()
	seed(t, store, &model.Account{PhoneNumber: "+15550001111"})
	seed(t, store, &model.Account{PhoneNumber: "+15550002222"})

	if err := svc.AddFriend(ctx, "+15550001111", "+15550002222"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "+15550002222"); err != nil {
		t.Fatal(err)
	}

	friends, err := svc.Friends(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 0 {
		t.Fatalf("deleted friend still listed: %+v", friends)
	}
}

func TestGetProfile(t *testing.T) {
	svc, store := newTestPresenceService(t)
	ctx := context.Background()
	seed(t, store, &model.Account{
		PhoneNumber: "+15550001111",
		Name:        "Alex",
		IsAvailable: true,
		Friends:     []string{"+15550002222", "+15550003333"},
	})

	profile, err := svc.GetProfile(ctx, "+15550001111")
	if err != nil {
		t.Fatal(err)
	}
	if profile.Name != "Alex" || !profile.IsAvailable || profile.FriendCount != 2 {
		t.Fatalf("profile = %+v", profile)
	}

	if _, err := svc.GetProfile(ctx, "+15559999999"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Fatalf("missing profile err = %v", err)
	}
}
