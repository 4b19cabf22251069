package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"presence-service/internal/audit"
	"presence-service/internal/bucketing"
	"presence-service/internal/client"
	"presence-service/internal/config"
	"presence-service/internal/handler"
	"presence-service/internal/hashing"
	"presence-service/internal/model"
	"presence-service/internal/notify"
	"presence-service/internal/ratelimit"
	"presence-service/internal/repository/memory"
	redisrepo "presence-service/internal/repository/redis"
	"presence-service/internal/repository/scylla"
	"presence-service/internal/service"
	"presence-service/internal/tls"
	"presence-service/internal/util"

	"github.com/go-chi/chi/v5"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.Manager
	stripedLocks     *bucketing.StripedLocks

	// Domain layers
	accountStore model.AccountStore
	limiter      *ratelimit.Limiter
	recorder     *audit.Recorder
	eventIndexer *audit.EventIndexer

	authService     *service.AuthService
	presenceService *service.PresenceService
	tokenService    *service.TokenService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeDomain()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("account_store", factory.storeKind()),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if rc, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if f.config.ScyllaEnabled() {
		if sc, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = sc
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Kafka
	if f.config.KafkaEnabled() {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.ElasticsearchEnabled() {
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			if err := f.esClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.ClickhouseEnabled() {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewManager(f.config)
	f.stripedLocks = bucketing.NewStripedLocks(f.bucketingManager)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}
}

// initializeDomain wires the account store, rate limiter, and services.
// Without a healthy ScyllaDB the account store falls back to an in-memory
// implementation so development environments run with no infrastructure.
func (f *Factory) initializeDomain() {
	if f.scyllaClient != nil {
		f.accountStore = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager)
	} else {
		f.accountStore = memory.NewAccountStore()
		util.Warn("Using in-memory account store, data will not survive restarts")
	}

	var limiterOpts []ratelimit.Option

	if f.clickhouseClient != nil {
		f.recorder = audit.NewRecorder(f.clickhouseClient, f.bucketingManager)
		f.recorder.Start()
		limiterOpts = append(limiterOpts, ratelimit.WithRecorder(f.recorder))
	}

	var sinks []ratelimit.EventSink
	if f.kafkaProducer != nil {
		sinks = append(sinks, notify.NewKafkaEventSink(f.kafkaProducer, f.config.Kafka.EventsTopic))
	}
	if f.esClient != nil {
		f.eventIndexer = audit.NewEventIndexer(f.esClient, f.config.Elasticsearch.EventIndex)
		sinks = append(sinks, f.eventIndexer)
	}
	if len(sinks) > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithEventSink(notify.NewFanoutSink(sinks...)))
	}

	f.limiter = ratelimit.NewLimiter(f.accountStore, f.stripedLocks,
		ratelimit.FromAppConfig(f.config), limiterOpts...)

	var sms notify.SMSSender
	if f.kafkaProducer != nil {
		sms = notify.NewKafkaSMSSender(f.kafkaProducer, f.config.Kafka.SMSTopic)
	} else {
		sms = notify.NewLogSMSSender()
		util.Warn("Kafka unavailable, PINs will be written to the log")
	}

	f.tokenService = service.NewTokenService(f.config)
	f.authService = service.NewAuthService(
		f.accountStore,
		f.limiter,
		f.hasher,
		redisrepo.NewVerifyCache(f.redisClient),
		sms,
		f.tokenService,
		f.stripedLocks,
		f.config,
	)
	f.presenceService = service.NewPresenceService(f.accountStore, f.stripedLocks)
}

func (f *Factory) storeKind() string {
	if f.scyllaClient != nil {
		return "scylla"
	}
	return "memory"
}

// Router assembles the HTTP handlers into the application router.
func (f *Factory) Router() chi.Router {
	return handler.NewRouter(
		f.config,
		handler.NewAuthHandler(f.authService),
		handler.NewPresenceHandler(f.presenceService, f.tokenService),
		handler.NewAdminHandler(f.limiter, f.eventIndexer, f.config.Auth.AdminSecret),
	)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.recorder != nil {
			f.recorder.Close()
			util.Info("Audit recorder flushed and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) AccountStore() model.AccountStore {
	return f.accountStore
}
