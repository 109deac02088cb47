package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

// Migration upgrades the key layout under a prefix.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient, prefix string) error
}

func schemaVersionKey(prefix string) string { return prefix + "schema:version" }

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client redis.UniversalClient, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("Schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("Running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// v1: the node liveness index must be a sorted set.
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient, prefix string) error {
				key := nodesKey(prefix)
				kind, err := client.Type(ctx, key).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "zset" {
					return client.Del(ctx, key).Err()
				}
				return nil
			},
		},
		{
			// v2: relay links moved from one string key per pair into a hash.
			Version: 2,
			Up: func(ctx context.Context, client redis.UniversalClient, prefix string) error {
				iter := client.Scan(ctx, 0, prefix+"link:*", 100).Iterator()
				var stale []string
				for iter.Next(ctx) {
					stale = append(stale, iter.Val())
				}
				if err := iter.Err(); err != nil {
					return err
				}
				if len(stale) == 0 {
					return nil
				}
				return client.Del(ctx, stale...).Err()
			},
		},
	}
}
