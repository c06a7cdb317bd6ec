// Package redisdoc implements storage.DocumentStore on Redis. Each document
// is a JSON string key; each collection is a sorted set of document paths
// scored by creation time in microseconds.
package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manash/gen3d/internal/storage"
)

const defaultKeyPrefix = "gen3d:"

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type record struct {
	Fields    storage.Fields `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
	logger    *zap.Logger
}

var _ storage.DocumentStore = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	s := &Store{
		client:    client,
		keyPrefix: prefix,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "redis_document_store"))
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(path string) string {
	return s.keyPrefix + "doc:" + path
}

func (s *Store) collectionKey(collection string) string {
	return s.keyPrefix + "col:" + collection
}

// CreateIfAbsent writes the document and its index entry in one MULTI/EXEC.
// An existing document is left untouched, but its index entry is restored if
// it went missing.
func (s *Store) CreateIfAbsent(ctx context.Context, path string, fields storage.Fields) (bool, error) {
	collection, err := storage.CollectionOf(path)
	if err != nil {
		return false, err
	}
	key := s.docKey(path)

	var created bool
	txf := func(tx *redis.Tx) error {
		created = false
		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev record
			if err := json.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("failed to decode document %s: %w", path, err)
			}
			return s.index(ctx, collection, path, prev.CreatedAt)
		}

		now := s.now().UTC()
		data, err := encode(path, record{Fields: fields, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAddNX(ctx, s.collectionKey(collection), redis.Z{
				Score:  score(now),
				Member: path,
			})
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}

	if err := s.watch(ctx, key, path, txf); err != nil {
		return false, fmt.Errorf("failed to create document %s: %w", path, err)
	}
	return created, nil
}

// Put replaces the fields at path inside a WATCH transaction so a concurrent
// writer cannot reset the creation time.
func (s *Store) Put(ctx context.Context, path string, fields storage.Fields) error {
	collection, err := storage.CollectionOf(path)
	if err != nil {
		return err
	}
	key := s.docKey(path)

	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		rec := record{Fields: fields, CreatedAt: now, UpdatedAt: now}

		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev record
			if err := json.Unmarshal(existing, &prev); err == nil {
				rec.CreatedAt = prev.CreatedAt
			}
		}

		data, err := encode(path, rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAddNX(ctx, s.collectionKey(collection), redis.Z{
				Score:  score(rec.CreatedAt),
				Member: path,
			})
			return nil
		})
		return err
	}

	if err := s.watch(ctx, key, path, txf); err != nil {
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	return nil
}

// watch runs txf under WATCH key, retrying a few times on conflict.
func (s *Store) watch(ctx context.Context, key, path string, txf func(*redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("document write conflict, retrying", zap.String("path", path), zap.Int("attempt", attempt+1))
	}
	return err
}

func (s *Store) Get(ctx context.Context, path string) (*storage.Document, error) {
	data, err := s.client.Get(ctx, s.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return decode(path, data)
}

func (s *Store) List(ctx context.Context, collection string, order storage.Order) ([]*storage.Document, error) {
	var (
		paths []string
		err   error
	)
	if order == storage.OrderOldestFirst {
		paths, err = s.client.ZRange(ctx, s.collectionKey(collection), 0, -1).Result()
	} else {
		paths, err = s.client.ZRevRange(ctx, s.collectionKey(collection), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.docKey(p)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", collection, err)
	}

	docs := make([]*storage.Document, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			s.logger.Warn("index references missing document", zap.String("path", paths[i]))
			continue
		}
		doc, err := decode(paths[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) index(ctx context.Context, collection, path string, createdAt time.Time) error {
	err := s.client.ZAddNX(ctx, s.collectionKey(collection), redis.Z{
		Score:  score(createdAt),
		Member: path,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index document %s: %w", path, err)
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func encode(path string, rec record) ([]byte, error) {
	if rec.Fields == nil {
		rec.Fields = storage.Fields{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", path, err)
	}
	return data, nil
}

func decode(path string, data []byte) (*storage.Document, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	collection, _ := storage.CollectionOf(path)
	return &storage.Document{
		Path:       path,
		Collection: collection,
		Fields:     rec.Fields,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}
