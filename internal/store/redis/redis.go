// Package redis is the channel store for multi-node deployments: records
// live in a redis hash per channel plus a set of known ids, so several
// bridge instances can share one inventory.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// Options configures the redis store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces all keys. Defaults to "wabridge".
	KeyPrefix string
}

// Store keeps channel records in redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "wabridge"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Store{rdb: rdb, prefix: prefix}, nil
}

func (s *Store) key(id string) string { return s.prefix + ":channel:" + id }

func (s *Store) indexKey() string { return s.prefix + ":channels" }

func (s *Store) Upsert(ctx context.Context, rec store.ChannelRecord) error {
	now := time.Now().UnixMilli()
	created := now
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UnixMilli()
	}
	updated := now
	if !rec.UpdatedAt.IsZero() {
		updated = rec.UpdatedAt.UnixMilli()
	}

	// Preserve the original creation time and any existing binding when
	// the record is already present.
	if prev, err := s.rdb.HGetAll(ctx, s.key(rec.ID)).Result(); err == nil && len(prev) > 0 {
		if v, ok := prev["created_at"]; ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				created = ms
			}
		}
		if rec.DeviceRef == "" {
			rec.DeviceRef = prev["device_ref"]
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(rec.ID), map[string]interface{}{
		"id":         rec.ID,
		"device_ref": rec.DeviceRef,
		"created_at": created,
		"updated_at": updated,
	})
	pipe.SAdd(ctx, s.indexKey(), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.ChannelRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return store.ChannelRecord{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return store.ChannelRecord{}, store.ErrRecordNotFound
	}
	return fromFields(id, fields), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	s.rdb.SRem(ctx, s.indexKey(), id)
	if n == 0 {
		return store.ErrRecordNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]store.ChannelRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list channels: %w", err)
	}
	out := make([]store.ChannelRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			// Index can point at a hash deleted out of band; drop the
			// dangling member and move on.
			s.rdb.SRem(ctx, s.indexKey(), id)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeviceRef(ctx context.Context, id string) (string, error) {
	exists, err := s.rdb.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return "", fmt.Errorf("redis device ref %s: %w", id, err)
	}
	if exists == 0 {
		return "", store.ErrRecordNotFound
	}
	ref, err := s.rdb.HGet(ctx, s.key(id), "device_ref").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis device ref %s: %w", id, err)
	}
	return ref, nil
}

func (s *Store) SetDeviceRef(ctx context.Context, id, ref string) error {
	now := time.Now().UnixMilli()
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, s.key(id), "id", id)
	pipe.HSetNX(ctx, s.key(id), "created_at", now)
	pipe.HSet(ctx, s.key(id), "device_ref", ref, "updated_at", now)
	pipe.SAdd(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set device ref %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func fromFields(id string, fields map[string]string) store.ChannelRecord {
	rec := store.ChannelRecord{ID: id, DeviceRef: fields["device_ref"]}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	return rec
}
