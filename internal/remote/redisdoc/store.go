// Package redisdoc implements remote.DocumentStore on Redis. Each document is
// a JSON string; a set per collection indexes its ids and every change is
// announced on a per-collection pub/sub channel. Messages are also kept in a
// sorted set per conversation scored by timestamp, so a conversation query
// reads only that conversation's range.
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/failure"
	"github.com/matheus3301/msgsync/internal/remote"
)

const keyPrefix = "msgsync:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewClient creates a Redis client from opts.
func NewClient(opts Options) *redis.Client {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
}

// DocKey is the key holding a document.
func DocKey(collection, id string) string {
	return keyPrefix + "doc:" + collection + ":" + id
}

// IndexKey is the set of document ids of a collection.
func IndexKey(collection string) string {
	return keyPrefix + "ids:" + collection
}

// SortedIndexKey is the sorted set of ids of a collection whose field equals
// value.
func SortedIndexKey(collection, field, value string) string {
	return keyPrefix + "zidx:" + collection + ":" + field + ":" + value
}

// sortedIndex groups a collection's ids by the string value of Field and
// scores them by the numeric value of Score.
type sortedIndex struct {
	Field string
	Score string
}

var sortedIndexes = map[string]sortedIndex{
	remote.Messages: {Field: remote.FieldConversationID, Score: remote.FieldTimestamp},
}

// ChangesChannel is the pub/sub channel announcing changes to a collection.
func ChangesChannel(collection string) string {
	return keyPrefix + "changes:" + collection
}

// Store is a Redis-backed remote.DocumentStore.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time
}

var _ remote.DocumentStore = (*Store)(nil)

// New creates a document store over rdb.
func New(rdb *redis.Client, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{rdb: rdb, log: log, now: time.Now}
}

func (s *Store) Exists(ctx context.Context, collection, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, DocKey(collection, id)).Result()
	if err != nil {
		return false, failure.NetworkFailure("exists "+collection+"/"+id, err)
	}
	return n > 0, nil
}

func (s *Store) Write(ctx context.Context, collection, id string, fields map[string]any) error {
	fields = remote.ResolveServerValues(fields, s.now())
	if _, err := encode(fields); err != nil {
		return failure.Rejection("write "+collection+"/"+id, err)
	}
	err := s.put(ctx, collection, id, func(map[string]any) map[string]any { return fields })
	return failure.NetworkFailure("write "+collection+"/"+id, err)
}

func (s *Store) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	partial = remote.ResolveServerValues(partial, s.now())
	err := s.put(ctx, collection, id, func(old map[string]any) map[string]any {
		doc := maps.Clone(old)
		if doc == nil {
			doc = make(map[string]any, len(partial))
		}
		maps.Copy(doc, partial)
		return doc
	})
	return failure.NetworkFailure("update "+collection+"/"+id, err)
}

// put replaces a document with next(old) and moves its index entries along.
func (s *Store) put(ctx context.Context, collection, id string, next func(old map[string]any) map[string]any) error {
	key := DocKey(collection, id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := getFields(ctx, tx, key)
		if err != nil {
			return err
		}
		doc := next(old)
		data, err := encode(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, IndexKey(collection), id)
			reindex(ctx, pipe, collection, id, old, doc)
			pipe.Publish(ctx, ChangesChannel(collection), id)
			return nil
		})
		return err
	}, key)
}

func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, bool, error) {
	fields, err := getFields(ctx, s.rdb, DocKey(collection, id))
	if err != nil {
		return remote.Document{}, false, failure.NetworkFailure("get "+collection+"/"+id, err)
	}
	if fields == nil {
		return remote.Document{}, false, nil
	}
	return remote.Document{ID: id, Fields: fields}, true, nil
}

// Delete removes a document and announces the change.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	key := DocKey(collection, id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := getFields(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, IndexKey(collection), id)
			reindex(ctx, pipe, collection, id, old, nil)
			pipe.Publish(ctx, ChangesChannel(collection), id)
			return nil
		})
		return err
	}, key)
	return failure.NetworkFailure("delete "+collection+"/"+id, err)
}

// reindex queues the sorted index changes for a document going from old to
// doc. Either may be nil.
func reindex(ctx context.Context, pipe redis.Pipeliner, collection, id string, old, doc map[string]any) {
	idx, ok := sortedIndexes[collection]
	if !ok {
		return
	}
	oldVal, hadOld := old[idx.Field].(string)
	newVal, hasNew := doc[idx.Field].(string)
	if hadOld && (!hasNew || oldVal != newVal) {
		pipe.ZRem(ctx, SortedIndexKey(collection, idx.Field, oldVal), id)
	}
	if hasNew {
		pipe.ZAdd(ctx, SortedIndexKey(collection, idx.Field, newVal), redis.Z{Score: score(doc[idx.Score]), Member: id})
	}
}

// score is the numeric sort value of v; missing or pending values sort first.
func score(v any) float64 {
	ms, ok := remote.ParseTimestamp(v).Millis()
	if !ok {
		return 0
	}
	return float64(ms)
}

// Watch subscribes to the collection's change channel before taking the first
// snapshot, so no change between the two is missed.
func (s *Store) Watch(ctx context.Context, q remote.Query) (<-chan []remote.Document, error) {
	ps := s.rdb.Subscribe(ctx, ChangesChannel(q.Collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, failure.NetworkFailure("watch "+q.Collection, err)
	}
	first, err := s.query(ctx, q)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan []remote.Document, 1)
	out <- first
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		changes := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				docs, err := s.query(ctx, q)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.log.Warn("watch query failed", zap.String("collection", q.Collection), zap.Error(err))
					continue
				}
				replace(out, docs)
			}
		}
	}()
	return out, nil
}

func (s *Store) query(ctx context.Context, q remote.Query) ([]remote.Document, error) {
	ids, err := s.candidates(ctx, q)
	if err != nil {
		return nil, failure.NetworkFailure("list "+q.Collection, err)
	}
	if len(ids) == 0 {
		return []remote.Document{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = DocKey(q.Collection, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, failure.NetworkFailure("load "+q.Collection, err)
	}
	docs := make([]remote.Document, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			s.log.Warn("skipping undecodable document", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		docs = append(docs, remote.Document{ID: ids[i], Fields: fields})
	}
	return q.Apply(docs), nil
}

// candidates lists the ids that may match q. An equality filter on an indexed
// field narrows the read to one sorted set, bounded by any range filters on
// its score. Apply still checks every filter on the loaded documents.
func (s *Store) candidates(ctx context.Context, q remote.Query) ([]string, error) {
	idx, ok := sortedIndexes[q.Collection]
	if !ok {
		return s.rdb.SMembers(ctx, IndexKey(q.Collection)).Result()
	}
	var (
		value  string
		eq     bool
		lo, hi = math.Inf(-1), math.Inf(1)
	)
	for _, f := range q.Filters {
		switch {
		case f.Field == idx.Field && f.Op == remote.OpEq:
			value, eq = f.Value.(string)
		case f.Field == idx.Score:
			ms, ok := remote.ParseTimestamp(f.Value).Millis()
			if !ok {
				continue
			}
			switch f.Op {
			case remote.OpGT, remote.OpGTE:
				lo = max(lo, float64(ms))
			case remote.OpLT, remote.OpLTE:
				hi = min(hi, float64(ms))
			}
		}
	}
	if !eq {
		return s.rdb.SMembers(ctx, IndexKey(q.Collection)).Result()
	}
	return s.rdb.ZRangeByScore(ctx, SortedIndexKey(q.Collection, idx.Field, value), &redis.ZRangeBy{
		Min: bound(lo),
		Max: bound(hi),
	}).Result()
}

func bound(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// replace delivers docs, dropping a snapshot the consumer has not read yet.
func replace(out chan []remote.Document, docs []remote.Document) {
	select {
	case out <- docs:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- docs:
	default:
	}
}

func getFields(ctx context.Context, c redis.Cmdable, key string) (map[string]any, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func encode(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(fields)
}
