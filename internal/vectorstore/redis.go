package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/minipilot/minipilot/internal/utils"
	"github.com/redis/go-redis/v9"
)

const (
	fieldContent  = "content"
	fieldMetadata = "metadata"
	fieldVector   = "vector"
	fieldScore    = "vector_score"

	addBatchSize = 100
)

// RedisIndex stores documents as hashes indexed by RediSearch (Redis Stack).
// The client must speak RESP2 (redis.Options.Protocol = 2): FT.* replies are
// parsed from their array form.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// CreateIndex creates an HNSW COSINE index over hashes prefixed with "<name>:".
func (r *RedisIndex) CreateIndex(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}
	err := r.client.Do(ctx, createIndexArgs(name, dim)...).Err()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return fmt.Errorf("%s: %w", name, ErrIndexExists)
		}
		return fmt.Errorf("FT.CREATE %s failed: %w", name, unavailable(err))
	}
	return nil
}

func createIndexArgs(name string, dim int) []interface{} {
	return []interface{}{
		"FT.CREATE", name,
		"ON", "HASH",
		"PREFIX", 1, keyPrefix(name),
		"SCHEMA",
		fieldContent, "TEXT",
		fieldMetadata, "TEXT",
		fieldVector, "VECTOR", "HNSW", 6,
		"TYPE", "FLOAT32",
		"DIM", dim,
		"DISTANCE_METRIC", "COSINE",
	}
}

func keyPrefix(name string) string {
	return name + ":"
}

func (r *RedisIndex) IndexExists(ctx context.Context, name string) (bool, error) {
	_, err := r.info(ctx, name)
	if err != nil {
		if isUnknownIndex(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *RedisIndex) Add(ctx context.Context, name string, docs []Document) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for start := 0; start < len(docs); start += addBatchSize {
		end := start + addBatchSize
		if end > len(docs) {
			end = len(docs)
		}

		pipe := r.client.Pipeline()
		for _, doc := range docs[start:end] {
			if doc.ID == "" {
				doc.ID = keyPrefix(name) + uuid.NewString()
			}
			meta, err := json.Marshal(doc.Metadata)
			if err != nil {
				return ids, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			pipe.HSet(ctx, doc.ID,
				fieldContent, doc.Content,
				fieldMetadata, string(meta),
				fieldVector, utils.VectorToBytes(doc.Vector),
			)
			ids = append(ids, doc.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return ids[:start], fmt.Errorf("failed to write documents to %s: %w", name, unavailable(err))
		}
	}
	return ids, nil
}

func (r *RedisIndex) Search(ctx context.Context, name string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	reply, err := r.client.Do(ctx, searchArgs(name, vector, k)...).Result()
	if err != nil {
		if isUnknownIndex(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
		}
		return nil, fmt.Errorf("FT.SEARCH %s failed: %w", name, unavailable(err))
	}
	return parseSearchReply(reply)
}

func searchArgs(name string, vector []float32, k int) []interface{} {
	return []interface{}{
		"FT.SEARCH", name,
		fmt.Sprintf("*=>[KNN %d @%s $BLOB AS %s]", k, fieldVector, fieldScore),
		"PARAMS", 2, "BLOB", utils.VectorToBytes(vector),
		"SORTBY", fieldScore, "ASC",
		"RETURN", 3, fieldContent, fieldMetadata, fieldScore,
		"LIMIT", 0, k,
		"DIALECT", 2,
	}
}

// parseSearchReply decodes [total, key1, [field, value, ...], key2, [...], ...].
func parseSearchReply(reply interface{}) ([]Match, error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("unexpected FT.SEARCH reply type %T", reply)
	}

	matches := make([]Match, 0, (len(arr)-1)/2)
	for i := 1; i+1 < len(arr); i += 2 {
		key, ok := arr[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected document key type %T", arr[i])
		}
		fields, ok := arr[i+1].([]interface{})
		if !ok {
			return nil, fmt.Errorf("unexpected fields type %T for %s", arr[i+1], key)
		}

		m := Match{Document: Document{ID: key}}
		for j := 0; j+1 < len(fields); j += 2 {
			fname, _ := fields[j].(string)
			value, _ := fields[j+1].(string)
			switch fname {
			case fieldContent:
				m.Content = value
			case fieldMetadata:
				if value != "" && value != "null" {
					if err := json.Unmarshal([]byte(value), &m.Metadata); err != nil {
						return nil, fmt.Errorf("bad metadata for %s: %w", key, err)
					}
				}
			case fieldScore:
				d, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return nil, fmt.Errorf("bad score %q for %s: %w", value, key, err)
				}
				m.Distance = d
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (r *RedisIndex) Incr(ctx context.Context, id, field string, n int64) (int64, error) {
	v, err := r.client.HIncrBy(ctx, id, field, n).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s on %s: %w", field, id, unavailable(err))
	}
	return v, nil
}

func (r *RedisIndex) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	reply, err := r.client.Do(ctx, "FT._LIST").Result()
	if err != nil {
		return nil, fmt.Errorf("FT._LIST failed: %w", unavailable(err))
	}
	names, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected FT._LIST reply type %T", reply)
	}

	infos := make([]IndexInfo, 0, len(names))
	for _, n := range names {
		name, _ := n.(string)
		if name == "" {
			continue
		}
		fields, err := r.info(ctx, name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, IndexInfo{Name: name, NumDocs: toInt64(fields["num_docs"])})
	}
	return infos, nil
}

// ResolveAlias returns the index an alias points to, or "" if the alias is unset.
func (r *RedisIndex) ResolveAlias(ctx context.Context, alias string) (string, error) {
	fields, err := r.info(ctx, alias)
	if err != nil {
		if isUnknownIndex(err) {
			return "", nil
		}
		return "", err
	}
	name, _ := fields["index_name"].(string)
	return name, nil
}

func (r *RedisIndex) SetAlias(ctx context.Context, alias, name string) error {
	err := r.client.Do(ctx, "FT.ALIASUPDATE", alias, name).Err()
	if err != nil {
		if isUnknownIndex(err) {
			return fmt.Errorf("%s: %w", name, ErrIndexNotFound)
		}
		return fmt.Errorf("FT.ALIASUPDATE %s %s failed: %w", alias, name, unavailable(err))
	}
	return nil
}

// DropIndex removes the index and its documents.
func (r *RedisIndex) DropIndex(ctx context.Context, name string) error {
	err := r.client.Do(ctx, "FT.DROPINDEX", name, "DD").Err()
	if err != nil {
		if isUnknownIndex(err) {
			return fmt.Errorf("%s: %w", name, ErrIndexNotFound)
		}
		return fmt.Errorf("FT.DROPINDEX %s failed: %w", name, unavailable(err))
	}
	return nil
}

func (r *RedisIndex) info(ctx context.Context, name string) (map[string]interface{}, error) {
	reply, err := r.client.Do(ctx, "FT.INFO", name).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return parseInfoReply(reply)
}

// parseInfoReply flattens the key/value array returned by FT.INFO.
func parseInfoReply(reply interface{}) (map[string]interface{}, error) {
	arr, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected FT.INFO reply type %T", reply)
	}
	fields := make(map[string]interface{}, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		if k, ok := arr[i].(string); ok {
			fields[k] = arr[i+1]
		}
	}
	return fields, nil
}

// unavailable marks connection level failures with ErrUnavailable. Redis
// replies, including error replies, are returned unchanged.
func unavailable(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") ||
		strings.Contains(msg, "no such index") ||
		strings.Contains(msg, "alias does not exist")
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		// RediSearch may report counts as "12" or "12.0"
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}
