package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/specialistvlad/seqflow/internal/job"
)

// DefaultRedisKey is the hash holding job states.
const DefaultRedisKey = "seqflow:jobs"

// RedisStore keeps states in one Redis hash, one field per operation id.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) ([]*job.State, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", r.key, err)
	}
	states := make(map[string]*job.State, len(fields))
	for opID, raw := range fields {
		var s job.State
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", opID, err)
		}
		states[opID] = &s
	}
	return sorted(states), nil
}

func (r *RedisStore) Save(ctx context.Context, states ...*job.State) error {
	values := make([]any, 0, 2*len(states))
	for _, s := range states {
		if s.OpID == "" {
			return fmt.Errorf("checkpoint: state without operation id")
		}
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("checkpoint: encode %s: %w", s.OpID, err)
		}
		values = append(values, s.OpID, string(b))
	}
	if len(values) == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

func sorted(states map[string]*job.State) []*job.State {
	out := make([]*job.State, 0, len(states))
	for _, s := range states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpID < out[j].OpID })
	return out
}
