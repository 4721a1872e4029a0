package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geostash/geostash/internal/geojson"
	"github.com/geostash/geostash/internal/identity"
	"github.com/geostash/geostash/internal/spatial"
)

var (
	ErrNotFound       = errors.New("queue: item not found")
	ErrAlreadyClaimed = errors.New("queue: item already claimed")
	ErrNotCompleted   = errors.New("queue: item is not in completed state")
)

const (
	seqKey        = "import:seq"
	pendingKey    = "import:pending"
	processingKey = "import:processing"
)

func itemKey(id int64) string        { return "import:item:" + strconv.FormatInt(id, 10) }
func rawKey(id int64) string         { return "import:raw:" + strconv.FormatInt(id, 10) }
func srcKey(hash string) string      { return "import:src:" + hash }
func featKey(identity string) string { return "feature:" + identity }
func cellKey(res int, cell string) string {
	return fmt.Sprintf("cellidx:%d:%s", res, cell)
}

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

type Store struct {
	rdb         *redis.Client
	cells       spatial.Indexer
	maxAttempts int
}

func New(ctx context.Context, addr string, cells spatial.Indexer, maxAttempts int, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, cells: cells, maxAttempts: maxAttempts}, nil
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// Enqueue stores the raw upload and appends it to the pending list. A
// byte-identical re-upload returns the existing item with duplicate=true
// instead of creating a second queue entry.
func (s *Store) Enqueue(ctx context.Context, raw []byte, filename, userID string) (Item, bool, error) {
	hash := identity.RawSource(raw)

	existing, err := s.rdb.Get(ctx, srcKey(hash)).Int64()
	switch {
	case err == nil:
		item, err := s.Get(ctx, existing)
		if err == nil {
			return item, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Item{}, false, err
		}
		// src key left behind by an interrupted enqueue; not a duplicate
		if err := s.rdb.Del(ctx, srcKey(hash)).Err(); err != nil {
			return Item{}, false, fmt.Errorf("redis DEL stale src: %w", err)
		}
	case !errors.Is(err, redis.Nil):
		return Item{}, false, fmt.Errorf("redis GET src: %w", err)
	}

	id, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return Item{}, false, fmt.Errorf("redis INCR: %w", err)
	}

	set, err := s.rdb.SetNX(ctx, srcKey(hash), id, 0).Result()
	if err != nil {
		return Item{}, false, fmt.Errorf("redis SETNX: %w", err)
	}
	if !set {
		// lost a race against a concurrent upload of the same bytes
		existing, err := s.rdb.Get(ctx, srcKey(hash)).Int64()
		if err != nil {
			return Item{}, false, fmt.Errorf("redis GET existing: %w", err)
		}
		item, err := s.Get(ctx, existing)
		if err != nil {
			return Item{}, false, err
		}
		return item, true, nil
	}

	now := time.Now().UTC()
	item := Item{
		ID:               id,
		UserID:           userID,
		OriginalFilename: filename,
		RawSourceHash:    hash,
		Status:           StatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.save(ctx, item); err != nil {
		_ = s.rdb.Del(ctx, srcKey(hash)).Err()
		return Item{}, false, err
	}
	if err := s.rdb.Set(ctx, rawKey(id), raw, 0).Err(); err != nil {
		_ = s.rdb.Del(ctx, srcKey(hash), itemKey(id)).Err()
		return Item{}, false, fmt.Errorf("redis SET raw: %w", err)
	}
	if err := s.rdb.RPush(ctx, pendingKey, id).Err(); err != nil {
		_ = s.rdb.Del(ctx, srcKey(hash), itemKey(id), rawKey(id)).Err()
		return Item{}, false, fmt.Errorf("redis RPUSH: %w", err)
	}
	return item, false, nil
}

func (s *Store) Get(ctx context.Context, id int64) (Item, error) {
	buf, err := s.rdb.Get(ctx, itemKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("redis GET item %d: %w", id, err)
	}
	var item Item
	if err := json.Unmarshal(buf, &item); err != nil {
		return Item{}, fmt.Errorf("decode item %d: %w", id, err)
	}
	return item, nil
}

// ClaimNext atomically moves the oldest pending id onto the processing list
// and returns the item plus its raw source bytes. Returns (nil, nil, nil)
// when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*Item, []byte, error) {
	val, err := s.rdb.LMove(ctx, pendingKey, processingKey, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("redis LMOVE: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// the entry was never a valid id; nothing to requeue
		_ = s.rdb.LRem(ctx, processingKey, 1, val).Err()
		return nil, nil, fmt.Errorf("claimed id %q: %w", val, err)
	}

	item, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// item record vanished; drop the dangling queue entry
		_ = s.rdb.LRem(ctx, processingKey, 1, id).Err()
		return nil, nil, err
	}
	if err != nil {
		s.unclaim(ctx, id)
		return nil, nil, err
	}
	item.Status = StatusProcessing
	item.Attempts++
	item.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, item); err != nil {
		s.unclaim(ctx, id)
		return nil, nil, err
	}

	raw, err := s.rdb.Get(ctx, rawKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// raw bytes vanished; the item can never be processed
		_ = s.rdb.LRem(ctx, processingKey, 1, id).Err()
		return nil, nil, fmt.Errorf("raw bytes for item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		s.unclaim(ctx, id)
		return nil, nil, fmt.Errorf("redis GET raw %d: %w", id, err)
	}
	return &item, raw, nil
}

// WriteResult records a completed conversion and releases the raw bytes.
func (s *Store) WriteResult(ctx context.Context, id int64, fc geojson.FeatureCollection, collectionHash string, diags []string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Status = StatusCompleted
	item.Features = &fc
	item.CollectionHash = collectionHash
	item.Diagnostics = diags
	item.Error = ""
	item.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, item); err != nil {
		return err
	}
	return s.release(ctx, id)
}

// WriteUnparsable records a permanent decode failure. The sentinel error
// record takes the place of features; the item is never retried.
func (s *Store) WriteUnparsable(ctx context.Context, id int64, msg string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Status = StatusUnparsable
	item.Error = msg
	item.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, item); err != nil {
		return err
	}
	return s.release(ctx, id)
}

// Requeue puts a transiently failed item back at the head of the pending
// list, or marks it terminally failed once its attempt budget is spent.
// Returns true when the failure was terminal.
func (s *Store) Requeue(ctx context.Context, item Item, cause string) (bool, error) {
	item.UpdatedAt = time.Now().UTC()
	if item.Attempts >= s.maxAttempts {
		item.Status = StatusFailed
		item.Error = cause
		if err := s.save(ctx, item); err != nil {
			return false, err
		}
		return true, s.release(ctx, item.ID)
	}

	item.Status = StatusQueued
	item.Error = ""
	if err := s.save(ctx, item); err != nil {
		return false, err
	}
	if err := s.rdb.LRem(ctx, processingKey, 1, item.ID).Err(); err != nil {
		return false, fmt.Errorf("redis LREM processing: %w", err)
	}
	if err := s.rdb.LPush(ctx, pendingKey, item.ID).Err(); err != nil {
		return false, fmt.Errorf("redis LPUSH: %w", err)
	}
	return false, nil
}

// Cancel removes a not-yet-claimed item. Once a worker holds the item the
// pipeline run completes; cancellation is a pre-claim operation only.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	removed, err := s.rdb.LRem(ctx, pendingKey, 1, id).Result()
	if err != nil {
		return fmt.Errorf("redis LREM pending: %w", err)
	}
	if removed == 0 {
		return ErrAlreadyClaimed
	}
	if err := s.rdb.Del(ctx, itemKey(id), rawKey(id), srcKey(item.RawSourceHash)).Err(); err != nil {
		return fmt.Errorf("redis DEL item %d: %w", id, err)
	}
	return nil
}

// MarkImported commits a completed item's features into the permanent store
// and indexes each one under its H3 cell.
func (s *Store) MarkImported(ctx context.Context, id int64) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusCompleted {
		return fmt.Errorf("item %d is %s: %w", id, item.Status, ErrNotCompleted)
	}

	now := time.Now().UTC()
	for _, f := range item.Features.Features {
		body, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal feature %s: %w", f.Identity, err)
		}
		sf := StoredFeature{
			Identity:          f.Identity,
			UserID:            item.UserID,
			SourceQueueItemID: id,
			GeoJSON:           body,
			GeoJSONHash:       item.CollectionHash,
			Timestamp:         now,
		}
		buf, err := json.Marshal(sf)
		if err != nil {
			return fmt.Errorf("marshal stored feature %s: %w", f.Identity, err)
		}
		if err := s.rdb.Set(ctx, featKey(f.Identity), buf, 0).Err(); err != nil {
			return fmt.Errorf("redis SET feature %s: %w", f.Identity, err)
		}
		cell, err := s.cells.Cell(f)
		if err != nil {
			return fmt.Errorf("cell for feature %s: %w", f.Identity, err)
		}
		if err := s.rdb.SAdd(ctx, cellKey(s.cells.Resolution(), cell), f.Identity).Err(); err != nil {
			return fmt.Errorf("redis SADD cell %s: %w", cell, err)
		}
	}

	item.Status = StatusImported
	item.UpdatedAt = now
	return s.save(ctx, item)
}

// FeaturesByCell lists committed features indexed under one H3 cell.
func (s *Store) FeaturesByCell(ctx context.Context, cell string) ([]StoredFeature, error) {
	ids, err := s.rdb.SMembers(ctx, cellKey(s.cells.Resolution(), cell)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS cell %s: %w", cell, err)
	}
	if len(ids) == 0 {
		return []StoredFeature{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = featKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d features: %w", len(keys), err)
	}
	out := make([]StoredFeature, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sf StoredFeature
		if err := json.Unmarshal([]byte(str), &sf); err != nil {
			return nil, fmt.Errorf("decode stored feature %s: %w", ids[i], err)
		}
		out = append(out, sf)
	}
	return out, nil
}

// PendingDepth reports how many items are waiting for a worker.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN: %w", err)
	}
	return n, nil
}

func (s *Store) save(ctx context.Context, item Item) error {
	buf, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %d: %w", item.ID, err)
	}
	if err := s.rdb.Set(ctx, itemKey(item.ID), buf, 0).Err(); err != nil {
		return fmt.Errorf("redis SET item %d: %w", item.ID, err)
	}
	return nil
}

// unclaim returns a claimed id to the head of the pending list so a
// transient failure after the LMOVE does not lose the item.
func (s *Store) unclaim(ctx context.Context, id int64) {
	_ = s.rdb.LRem(ctx, processingKey, 1, id).Err()
	_ = s.rdb.LPush(ctx, pendingKey, id).Err()
}

func (s *Store) release(ctx context.Context, id int64) error {
	if err := s.rdb.LRem(ctx, processingKey, 1, id).Err(); err != nil {
		return fmt.Errorf("redis LREM processing: %w", err)
	}
	if err := s.rdb.Del(ctx, rawKey(id)).Err(); err != nil {
		return fmt.Errorf("redis DEL raw %d: %w", id, err)
	}
	return nil
}
