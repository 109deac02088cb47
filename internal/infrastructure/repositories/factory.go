package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshsfu/internal/core/ports"
	"meshsfu/internal/infrastructure/distributed"
	"meshsfu/internal/infrastructure/repositories/memory"
	redisrepo "meshsfu/internal/infrastructure/repositories/redis"
	"meshsfu/pkg/config"
	pkgdistributed "meshsfu/pkg/distributed"
)

// RepositoryFactory builds the shared mesh backends, falling back to
// in-process implementations when Redis is disabled or unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	prefix      string
	instanceID  string
	lockTTL     time.Duration
	hub         *distributed.Hub
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		prefix:     cfg.Redis.KeyPrefix,
		instanceID: cfg.Node.ID,
		lockTTL:    cfg.Mesh.LockTTL,
		hub:        distributed.NewHub(),
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to in-process mesh store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("Using Redis mesh store")
		}
	}

	if !factory.useRedis {
		logger.Info("Using in-process mesh store")
	}
	return factory
}

func (f *RepositoryFactory) UsingRedis() bool { return f.useRedis && f.redisClient != nil }

func (f *RepositoryFactory) CreateMeshStore() ports.MeshStore {
	if f.UsingRedis() {
		return redisrepo.NewMeshStore(f.redisClient, redisrepo.StoreOptions{
			Prefix:             f.prefix,
			TouchBatchSize:     16,
			TouchFlushInterval: time.Second,
		}, f.logger)
	}
	return memory.NewMeshStore()
}

// CreateLocker returns a Redis lock manager, or a process-local locker.
func (f *RepositoryFactory) CreateLocker() ports.Locker {
	if f.UsingRedis() {
		return pkgdistributed.NewLockManager(f.redisClient, f.prefix, f.lockTTL)
	}
	return pkgdistributed.NewLocalLocker()
}

func (f *RepositoryFactory) CreateClusterBus() ports.ClusterBus {
	if f.UsingRedis() {
		return distributed.NewRedisClusterBus(f.redisClient, f.prefix, f.instanceID, f.logger)
	}
	return f.hub.Bus(f.instanceID)
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
