package scylla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"presence-service/internal/config"
	"presence-service/internal/util"
)

// PreparedStatements holds the statements the account repository executes.
type PreparedStatements struct {
	UpsertAccount    *gocql.Query
	GetAccount       *gocql.Query
	InsertRequest    *gocql.Query
	GetRequests      *gocql.Query
	DeleteRequests   *gocql.Query
	DeleteAccount    *gocql.Query
	DeleteAllRequest *gocql.Query
	ScanBucket       *gocql.Query
	CountBucket      *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		util.Any("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.UpsertAccount = s.Session.Query(`
        INSERT INTO accounts (
            bucket, phone_number, name, is_available, friends, is_verified,
            pin_hash, pin_salt, pin_pepper_version, pin_algorithm, pin_expires_at,
            last_request_at, request_count, is_blocked, block_expires_at,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetAccount = s.Session.Query(`
        SELECT phone_number, name, is_available, friends, is_verified,
            pin_hash, pin_salt, pin_pepper_version, pin_algorithm, pin_expires_at,
            last_request_at, request_count, is_blocked, block_expires_at,
            created_at, updated_at
        FROM accounts WHERE bucket = ? AND phone_number = ?`)

	prepared.InsertRequest = s.Session.Query(`
        INSERT INTO pin_requests (phone_number, requested_at, ip_address)
        VALUES (?, ?, ?)`)

	prepared.GetRequests = s.Session.Query(`
        SELECT requested_at, ip_address FROM pin_requests WHERE phone_number = ?`)

	prepared.DeleteRequests = s.Session.Query(`
        DELETE FROM pin_requests WHERE phone_number = ? AND requested_at <= ?`)

	prepared.DeleteAccount = s.Session.Query(`
        DELETE FROM accounts WHERE bucket = ? AND phone_number = ?`)

	prepared.DeleteAllRequest = s.Session.Query(`
        DELETE FROM pin_requests WHERE phone_number = ?`)

	prepared.ScanBucket = s.Session.Query(`
        SELECT phone_number, name, is_available, friends, is_verified,
            pin_hash, pin_salt, pin_pepper_version, pin_algorithm, pin_expires_at,
            last_request_at, request_count, is_blocked, block_expires_at,
            created_at, updated_at
        FROM accounts WHERE bucket = ?`)

	prepared.CountBucket = s.Session.Query(`
        SELECT COUNT(*) FROM accounts WHERE bucket = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", util.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	return scanWithRetry(func() error {
		return query.Scan(dest...)
	})
}

func scanWithRetry(scan func() error) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := scan()
		if err == nil {
			return nil
		}
		// A missing row is an answer, not a transient failure; retrying
		// only delays the caller.
		if errors.Is(err, gocql.ErrNotFound) {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
