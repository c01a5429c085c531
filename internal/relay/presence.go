package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/redis/go-redis/v9"
)

// Presence answers who is joined where across every instance. Each instance
// reports the first connection of a principal joining a room (+1) and the
// last one leaving it (-1); a principal counts as present while the total is
// positive.
type Presence interface {
	Track(ctx context.Context, ref types.RoomRef, principalId string, delta int64) error
	// Present reports which of principalIds are joined to ref anywhere.
	Present(ctx context.Context, ref types.RoomRef, principalIds []string) (map[string]bool, error)
	// Online reports which of principalIds hold a connection anywhere.
	Online(ctx context.Context, principalIds []string) (map[string]bool, error)
}

// trackScript drops the field once it reaches zero. Deltas from different
// instances may arrive out of order, so negative totals are kept.
var trackScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
if n == 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

func (r *RedisRelay) presenceKey(ref types.RoomRef) string {
	return r.channel + ":presence:" + string(ref)
}

func (r *RedisRelay) Track(ctx context.Context, ref types.RoomRef, principalId string, delta int64) error {
	if err := trackScript.Run(ctx, r.client, []string{r.presenceKey(ref)}, principalId, delta).Err(); err != nil {
		return fmt.Errorf("track %q in %q: %w", principalId, ref, err)
	}

	r.held.add(ref, principalId, delta)
	return nil
}

func (r *RedisRelay) Present(ctx context.Context, ref types.RoomRef, principalIds []string) (map[string]bool, error) {
	present := make(map[string]bool, len(principalIds))
	if len(principalIds) == 0 {
		return present, nil
	}

	vals, err := r.client.HMGet(ctx, r.presenceKey(ref), principalIds...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence of %q: %w", ref, err)
	}

	for i, v := range vals {
		present[principalIds[i]] = positive(v)
	}

	return present, nil
}

func (r *RedisRelay) Online(ctx context.Context, principalIds []string) (map[string]bool, error) {
	online := make(map[string]bool, len(principalIds))
	if len(principalIds) == 0 {
		return online, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(principalIds))
	for i, id := range principalIds {
		cmds[i] = pipe.HGet(ctx, r.presenceKey(types.PersonalRoom(id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("online lookup: %w", err)
	}

	for i, cmd := range cmds {
		v, err := cmd.Result()
		online[principalIds[i]] = err == nil && positive(v)
	}

	return online, nil
}

// release withdraws everything this instance still holds.
func (r *RedisRelay) release(ctx context.Context) error {
	for _, h := range r.held.drain() {
		if err := trackScript.Run(ctx, r.client, []string{r.presenceKey(h.ref)}, h.principalId, -h.count).Err(); err != nil {
			return fmt.Errorf("release %q in %q: %w", h.principalId, h.ref, err)
		}
	}
	return nil
}

type holding struct {
	ref         types.RoomRef
	principalId string
	count       int64
}

// holdings mirrors the presence this instance has added so it can be
// withdrawn on Close.
type holdings struct {
	mu sync.Mutex
	m  map[types.RoomRef]map[string]int64
}

func (h *holdings) add(ref types.RoomRef, principalId string, delta int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.m == nil {
		h.m = make(map[types.RoomRef]map[string]int64)
	}
	if h.m[ref] == nil {
		h.m[ref] = make(map[string]int64)
	}

	h.m[ref][principalId] += delta
	if h.m[ref][principalId] == 0 {
		delete(h.m[ref], principalId)
	}
	if len(h.m[ref]) == 0 {
		delete(h.m, ref)
	}
}

func (h *holdings) drain() []holding {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []holding
	for ref, ids := range h.m {
		for id, n := range ids {
			out = append(out, holding{ref: ref, principalId: id, count: n})
		}
	}
	h.m = nil

	return out
}

func positive(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n > 0
}
