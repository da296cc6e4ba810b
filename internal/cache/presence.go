package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把在线成员和光标镜像到 Redis，供带外工具查询。
// 广播正确性由内存房间保证，这里只是辅助视图。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID uint64) error
	GetAliveMembersWithNames(ctx context.Context, docID uint64) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID uint64) ([]byte, error)
}

type PresenceMember struct {
	UserID   uint64
	Username string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID, userID uint64, username string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID uint64) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(docID)
	-- KEYS[2] = namesKey(docID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	aliveIDsUint64 := make([]uint64, 0, len(aliveIDs))
	for _, aliveID := range aliveIDs {
		uid, err := strconv.ParseUint(aliveID, 10, 64)
		if err != nil {
			return nil, err
		}
		aliveIDsUint64 = append(aliveIDsUint64, uid)
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDsUint64))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDsUint64[i], Username: name})
	}
	return members, nil
}
