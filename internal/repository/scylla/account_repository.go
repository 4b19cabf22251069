package scylla

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gocql/gocql"
	"golang.org/x/sync/errgroup"

	"presence-service/internal/bucketing"
	"presence-service/internal/hashing"
	"presence-service/internal/model"
	"presence-service/internal/util"
)

// AccountRepository persists accounts in ScyllaDB. Account rows live in the
// accounts table, partitioned by murmur3 bucket; the request log lives in
// pin_requests, clustered by requested_at under the phone number.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.Manager) *AccountRepository {
	return &AccountRepository{
		client:  client,
		buckets: buckets,
	}
}

var _ model.AccountStore = (*AccountRepository)(nil)

func (r *AccountRepository) Get(ctx context.Context, phone string) (*model.Account, error) {
	bucket := r.buckets.AccountBucket(phone)

	account := &model.Account{}
	var pinHash, pinSalt, pinAlgorithm string
	var pinPepperVersion int

	query := r.client.Prepared.GetAccount.Bind(bucket, phone).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&account.PhoneNumber, &account.Name, &account.IsAvailable, &account.Friends,
		&account.IsVerified, &pinHash, &pinSalt, &pinPepperVersion, &pinAlgorithm,
		&account.PINExpiresAt, &account.LastRequestAt, &account.RequestCount,
		&account.IsBlocked, &account.BlockExpiresAt, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrAccountNotFound
		}
		util.Error("Failed to get account",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if pinHash != "" {
		account.PINHash = &hashing.HashResult{
			Hash:          pinHash,
			Salt:          pinSalt,
			PepperVersion: pinPepperVersion,
			Algorithm:     pinAlgorithm,
		}
	}

	log, err := r.loadRequestLog(ctx, phone)
	if err != nil {
		return nil, err
	}
	account.RequestLog = log

	return account, nil
}

func (r *AccountRepository) loadRequestLog(ctx context.Context, phone string) ([]model.RequestEntry, error) {
	iter := r.client.Prepared.GetRequests.Bind(phone).WithContext(ctx).Iter()

	var log []model.RequestEntry
	var entry model.RequestEntry
	for iter.Scan(&entry.Timestamp, &entry.IPAddress) {
		log = append(log, entry)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to load request log: %w", err)
	}
	return log, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	bucket := r.buckets.AccountBucket(account.PhoneNumber)

	// LWT keeps concurrent first requests from both winning
	previous := make(map[string]interface{})
	applied, err := r.client.Query(`
        INSERT INTO accounts (bucket, phone_number, created_at, updated_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		bucket, account.PhoneNumber, account.CreatedAt, account.UpdatedAt).
		WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		util.Error("Failed to create account",
			util.String("phone", util.MaskPhone(account.PhoneNumber)),
			util.ErrorField(err))
		return fmt.Errorf("failed to create account: %w", err)
	}
	if !applied {
		return model.ErrAccountExists
	}

	return r.Save(ctx, account)
}

func (r *AccountRepository) Save(ctx context.Context, account *model.Account) error {
	bucket := r.buckets.AccountBucket(account.PhoneNumber)

	var pinHash, pinSalt, pinAlgorithm string
	var pinPepperVersion int
	if account.PINHash != nil {
		pinHash = account.PINHash.Hash
		pinSalt = account.PINHash.Salt
		pinPepperVersion = account.PINHash.PepperVersion
		pinAlgorithm = account.PINHash.Algorithm
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.UpsertAccount.Statement(),
		bucket, account.PhoneNumber, account.Name, account.IsAvailable,
		account.Friends, account.IsVerified, pinHash, pinSalt, pinPepperVersion,
		pinAlgorithm, account.PINExpiresAt, account.LastRequestAt,
		account.RequestCount, account.IsBlocked, account.BlockExpiresAt,
		account.CreatedAt, account.UpdatedAt)

	if !account.PruneBefore.IsZero() {
		batch.Query(r.client.Prepared.DeleteRequests.Statement(),
			account.PhoneNumber, account.PruneBefore)
	}

	// Inserts are keyed (phone, requested_at), so replaying the whole log
	// upserts existing rows rather than duplicating them.
	for _, entry := range account.RequestLog {
		batch.Query(r.client.Prepared.InsertRequest.Statement(),
			account.PhoneNumber, entry.Timestamp, entry.IPAddress)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save account",
			util.String("phone", util.MaskPhone(account.PhoneNumber)),
			util.ErrorField(err))
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (r *AccountRepository) Delete(ctx context.Context, phone string) error {
	if _, err := r.Get(ctx, phone); err != nil {
		return err
	}

	bucket := r.buckets.AccountBucket(phone)

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.DeleteAccount.Statement(), bucket, phone)
	batch.Query(r.client.Prepared.DeleteAllRequest.Statement(), phone)

	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// ForEach scans all account buckets concurrently, then runs fn sequentially
// so callers can aggregate without their own locking.
func (r *AccountRepository) ForEach(ctx context.Context, fn func(*model.Account) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	var mu sync.Mutex
	var accounts []*model.Account

	for bucket := 0; bucket < r.buckets.AccountBuckets(); bucket++ {
		bucket := bucket
		g.Go(func() error {
			scanned, err := r.scanBucket(gctx, bucket)
			if err != nil {
				return err
			}
			mu.Lock()
			accounts = append(accounts, scanned...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, account := range accounts {
		if err := fn(account); err != nil {
			return err
		}
	}
	return nil
}

func (r *AccountRepository) scanBucket(ctx context.Context, bucket int) ([]*model.Account, error) {
	iter := r.client.Prepared.ScanBucket.Bind(bucket).WithContext(ctx).Iter()

	var accounts []*model.Account
	for {
		account := &model.Account{}
		var pinHash, pinSalt, pinAlgorithm string
		var pinPepperVersion int

		if !iter.Scan(
			&account.PhoneNumber, &account.Name, &account.IsAvailable, &account.Friends,
			&account.IsVerified, &pinHash, &pinSalt, &pinPepperVersion, &pinAlgorithm,
			&account.PINExpiresAt, &account.LastRequestAt, &account.RequestCount,
			&account.IsBlocked, &account.BlockExpiresAt, &account.CreatedAt, &account.UpdatedAt) {
			break
		}
		if pinHash != "" {
			account.PINHash = &hashing.HashResult{
				Hash:          pinHash,
				Salt:          pinSalt,
				PepperVersion: pinPepperVersion,
				Algorithm:     pinAlgorithm,
			}
		}
		accounts = append(accounts, account)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan bucket %d: %w", bucket, err)
	}

	for _, account := range accounts {
		log, err := r.loadRequestLog(ctx, account.PhoneNumber)
		if err != nil {
			return nil, err
		}
		account.RequestLog = log
	}
	return accounts, nil
}

func (r *AccountRepository) Count(ctx context.Context) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	counts := make([]int64, r.buckets.AccountBuckets())
	for bucket := 0; bucket < r.buckets.AccountBuckets(); bucket++ {
		bucket := bucket
		g.Go(func() error {
			query := r.client.Prepared.CountBucket.Bind(bucket).WithContext(gctx)
			return r.client.ScanWithRetry(query, &counts[bucket])
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}
