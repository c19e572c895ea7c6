package presence

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis implements Registry over a shared keyspace so several server
// instances can resolve presence for users connected elsewhere. Explicit
// unregister and disconnect handling clean the keys up; clients re-register
// on reconnect anyway.
type Redis struct {
	client *redis.Client
	prefix string
}

const presenceTTL = 0 // keys live until explicitly removed

func NewRedis(addr, password, prefix string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if prefix == "" {
		prefix = "presence"
	}
	return &Redis{client: c, prefix: prefix}
}

func (r *Redis) userKey(userID int64) string { return r.prefix + ":user:" + strconv.FormatInt(userID, 10) }
func (r *Redis) transKey(tid string) string  { return r.prefix + ":transport:" + tid }

func (r *Redis) Register(ctx context.Context, userID int64, username, transportID string) error {
	// displace any user currently mapped to this transport
	if prev, err := r.client.Get(ctx, r.transKey(transportID)).Result(); err == nil {
		if pid, perr := strconv.ParseInt(prev, 10, 64); perr == nil && pid != userID {
			r.client.Del(ctx, r.userKey(pid))
		}
	} else if !errors.Is(err, redis.Nil) {
		return err
	}
	// displace the user's previous transport
	if m, err := r.client.HGetAll(ctx, r.userKey(userID)).Result(); err == nil {
		if prev, ok := m["transport"]; ok && prev != transportID {
			r.client.Del(ctx, r.transKey(prev))
		}
	}
	if err := r.client.HSet(ctx, r.userKey(userID), map[string]interface{}{
		"transport": transportID,
		"username":  username,
	}).Err(); err != nil {
		return err
	}
	return r.client.Set(ctx, r.transKey(transportID), strconv.FormatInt(userID, 10), presenceTTL).Err()
}

func (r *Redis) Unregister(ctx context.Context, userID int64) error {
	m, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if tid, ok := m["transport"]; ok {
		r.client.Del(ctx, r.transKey(tid))
	}
	return r.client.Del(ctx, r.userKey(userID)).Err()
}

func (r *Redis) TransportClosed(ctx context.Context, transportID string) error {
	prev, err := r.client.Get(ctx, r.transKey(transportID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if uid, perr := strconv.ParseInt(prev, 10, 64); perr == nil {
		r.client.Del(ctx, r.userKey(uid))
	}
	return r.client.Del(ctx, r.transKey(transportID)).Err()
}

func (r *Redis) Lookup(ctx context.Context, userID int64) (Entry, bool, error) {
	m, err := r.client.HGetAll(ctx, r.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	tid, ok := m["transport"]
	if !ok || tid == "" {
		return Entry{}, false, nil
	}
	return Entry{TransportID: tid, Username: m["username"]}, true, nil
}

func (r *Redis) Close() error { return r.client.Close() }
