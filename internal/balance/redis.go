package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/clock"
)

const (
	committedTTL   = 7 * 24 * time.Hour
	warmUpLockTTL  = 3 * time.Second
	warmUpBackoff  = 100 * time.Millisecond
	releaseTimeout = 2 * time.Second
)

// Key layout shared with the wallet service.
func walletKey(userID string) string { return "wallet:" + userID }
func holdKeyOf(userID, listingID string) string {
	return fmt.Sprintf("wallet:%s:auction:%s", userID, listingID)
}
func committedKey(userID, listingID string) string {
	return holdKeyOf(userID, listingID) + ":committed"
}
func holdIndexKey(userID string) string { return "wallet:" + userID + ":auctions" }
func warmUpLockKey(userID string) string { return "warmup_lock:" + userID }

// luaHolds holds helpers shared by the scripts that touch a user's hold
// index, the set of listing ids with a live hold. Holds never expire before
// the wallet entry, and a rebuilt wallet entry keeps them locked.
const luaHolds = `
local function raise(key, ttl)
  local cur = redis.call('PTTL', key)
  if cur ~= -2 and cur < ttl then
    redis.call('PEXPIRE', key, ttl)
  end
end

local function holdKey(wallet, listing)
  return wallet .. ':auction:' .. listing
end

local function loadBalance(wallet, index, total, ttl)
  local held = 0
  local live = {}
  for _, listing in ipairs(redis.call('SMEMBERS', index)) do
    local v = redis.call('GET', holdKey(wallet, listing))
    if v then
      held = held + tonumber(v)
      table.insert(live, listing)
    else
      redis.call('SREM', index, listing)
    end
  end
  local available = total - held
  if available < 0 then available = 0 end
  redis.call('HSET', wallet, 'available', available, 'locked', held)
  redis.call('PEXPIRE', wallet, ttl)
  for _, listing in ipairs(live) do
    raise(holdKey(wallet, listing), ttl)
  end
  raise(index, ttl)
end
`

// reserveScript replaces the (user, listing) hold with ARGV[1], moving only
// the difference between available and locked.
// Returns 1 on success, 0 when funds are short, -1 when the balance is not cached.
var reserveScript = redis.NewScript(luaHolds + `
local available = redis.call('HGET', KEYS[1], 'available')
if not available then
  return -1
end
available = tonumber(available)
local amount = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
local diff = amount - current
if available < diff then
  return 0
end
redis.call('HINCRBYFLOAT', KEYS[1], 'available', -diff)
redis.call('HINCRBYFLOAT', KEYS[1], 'locked', diff)
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  raise(KEYS[2], ttl)
  raise(KEYS[3], ttl)
end
return 1
`)

// releaseScript returns the (user, listing) hold to available.
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[3], ARGV[1])
local held = redis.call('GET', KEYS[2])
if not held then
  return 0
end
held = tonumber(held)
redis.call('DEL', KEYS[2])
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HINCRBYFLOAT', KEYS[1], 'available', held)
  local locked = tonumber(redis.call('HINCRBYFLOAT', KEYS[1], 'locked', -held))
  if locked < 0 then
    redis.call('HSET', KEYS[1], 'locked', 0)
  end
end
return 1
`)

// releaseAmountScript returns a raw purchase amount to available.
var releaseAmountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HINCRBYFLOAT', KEYS[1], 'available', ARGV[1])
local locked = tonumber(redis.call('HINCRBYFLOAT', KEYS[1], 'locked', '-' .. ARGV[1]))
if locked < 0 then
  redis.call('HSET', KEYS[1], 'locked', 0)
end
return 1
`)

// commitScript converts the hold into a debit once per (user, listing).
// Returns 1 applied, 2 already committed, 0 nothing held.
var commitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 2
end
redis.call('SREM', KEYS[4], ARGV[2])
local held = redis.call('GET', KEYS[2])
if not held then
  return 0
end
held = tonumber(held)
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], held, 'PX', ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
  local locked = tonumber(redis.call('HINCRBYFLOAT', KEYS[1], 'locked', -held))
  if locked < 0 then
    redis.call('HSET', KEYS[1], 'locked', 0)
  end
end
return 1
`)

// loadScript caches a wallet total fetched during warm-up, keeping any
// surviving holds locked. Returns 0 if another warm-up got there first.
var loadScript = redis.NewScript(luaHolds + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
loadBalance(KEYS[1], KEYS[2], tonumber(ARGV[1]), tonumber(ARGV[2]))
return 1
`)

// syncScript applies a new wallet total, keeping locked intact.
var syncScript = redis.NewScript(luaHolds + `
local total = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 0 then
  loadBalance(KEYS[1], KEYS[2], total, tonumber(ARGV[2]))
  return 0
end
local available = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
local locked = tonumber(redis.call('HGET', KEYS[1], 'locked') or '0')
local updated = available + (total - (available + locked))
if updated < 0 then updated = 0 end
redis.call('HSET', KEYS[1], 'available', updated)
return 1
`)

// extendScript raises the balance TTL to ARGV[1] ms if it is currently
// lower, and carries the user's holds along to the balance's TTL.
var extendScript = redis.NewScript(luaHolds + `
local ttl = redis.call('PTTL', KEYS[1])
if ttl == -2 then
  return 0
end
local want = tonumber(ARGV[1])
if ttl >= 0 and ttl < want then
  redis.call('PEXPIRE', KEYS[1], want)
  ttl = want
end
if ttl > 0 then
  for _, listing in ipairs(redis.call('SMEMBERS', KEYS[2])) do
    local hold = holdKey(KEYS[1], listing)
    if redis.call('EXISTS', hold) == 0 then
      redis.call('SREM', KEYS[2], listing)
    else
      raise(hold, ttl)
    end
  end
  raise(KEYS[2], ttl)
end
return 1
`)

// unlockScript deletes a lock only if the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is the balance authority backed by the shared wallet cache.
type Redis struct {
	rdb    redis.UniversalClient
	wallet WalletSource
	clock  clock.Clock
}

// NewRedis wires a Redis authority; wallet populates cold balances.
func NewRedis(rdb redis.UniversalClient, wallet WalletSource, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Redis{rdb: rdb, wallet: wallet, clock: clk}
}

func (r *Redis) WarmUpBalance(ctx context.Context, userID string, horizon time.Time) error {
	key := walletKey(userID)
	ttl := cacheTTL(r.clock.Now(), horizon)

	ok, err := r.extend(ctx, userID, ttl)
	if err != nil || ok {
		return err
	}

	token := uuid.NewString()
	lockKey := warmUpLockKey(userID)
	acquired, err := r.rdb.SetNX(ctx, lockKey, token, warmUpLockTTL).Result()
	if err != nil {
		return fmt.Errorf("warm-up lock: %w", err)
	}
	if !acquired {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(warmUpBackoff):
		}
		n, err := r.rdb.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		return ErrWarmUpContended
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := unlockScript.Run(rctx, r.rdb, []string{lockKey}, token).Err(); err != nil {
			slog.Warn("release warm-up lock", "user_id", userID, "error", err)
		}
	}()

	if ok, err := r.extend(ctx, userID, ttl); err != nil || ok {
		return err
	}

	total, err := r.wallet.FetchBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("warm up %s: %w", userID, err)
	}

	keys := []string{key, holdIndexKey(userID)}
	if err := loadScript.Run(ctx, r.rdb, keys, total.String(), ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	return nil
}

// extend reports whether the balance exists, raising its TTL (and its
// holds') to ttl if lower.
func (r *Redis) extend(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	keys := []string{walletKey(userID), holdIndexKey(userID)}
	n, err := extendScript.Run(ctx, r.rdb, keys, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend balance ttl: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) GetBalance(ctx context.Context, userID string) (Balance, error) {
	vals, err := r.rdb.HMGet(ctx, walletKey(userID), "available", "locked").Result()
	if err != nil {
		return Balance{}, err
	}
	if vals[0] == nil {
		return Balance{}, ErrNotLoaded
	}
	available, err := parseDecimal(vals[0])
	if err != nil {
		return Balance{}, fmt.Errorf("parse available: %w", err)
	}
	locked, err := parseDecimal(vals[1])
	if err != nil {
		return Balance{}, fmt.Errorf("parse locked: %w", err)
	}
	return Balance{Available: available, Locked: locked}, nil
}

func (r *Redis) GetAuctionLockedAmount(ctx context.Context, userID, listingID string) (decimal.Decimal, error) {
	v, err := r.rdb.Get(ctx, holdKeyOf(userID, listingID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(v)
}

func (r *Redis) ReserveForAuction(ctx context.Context, userID, listingID string, amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, fmt.Errorf("reserve amount must be positive, got %s", amount)
	}
	keys := []string{walletKey(userID), holdKeyOf(userID, listingID), holdIndexKey(userID)}
	n, err := reserveScript.Run(ctx, r.rdb, keys, amount.String(), listingID).Int()
	if err != nil {
		return false, fmt.Errorf("reserve script: %w", err)
	}
	switch n {
	case 1:
		return true, nil
	case -1:
		return false, ErrNotLoaded
	}
	return false, nil
}

func (r *Redis) ReleaseForAuction(ctx context.Context, userID, listingID string) error {
	keys := []string{walletKey(userID), holdKeyOf(userID, listingID), holdIndexKey(userID)}
	if err := releaseScript.Run(ctx, r.rdb, keys, listingID).Err(); err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	return nil
}

func (r *Redis) ReleaseForPurchase(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	n, err := releaseAmountScript.Run(ctx, r.rdb, []string{walletKey(userID)}, amount.String()).Int()
	if err != nil {
		return fmt.Errorf("release purchase script: %w", err)
	}
	if n == -1 {
		return ErrNotLoaded
	}
	return nil
}

func (r *Redis) CommitForAuction(ctx context.Context, userID, listingID string) (CommitStatus, error) {
	keys := []string{walletKey(userID), holdKeyOf(userID, listingID), committedKey(userID, listingID), holdIndexKey(userID)}
	n, err := commitScript.Run(ctx, r.rdb, keys, committedTTL.Milliseconds(), listingID).Int()
	if err != nil {
		return 0, fmt.Errorf("commit script: %w", err)
	}
	switch n {
	case 1:
		return CommitApplied, nil
	case 2:
		return CommitDuplicate, nil
	}
	return CommitNothingHeld, nil
}

func (r *Redis) SyncBalance(ctx context.Context, userID string, total decimal.Decimal) error {
	keys := []string{walletKey(userID), holdIndexKey(userID)}
	err := syncScript.Run(ctx, r.rdb, keys, total.String(), defaultTTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("sync script: %w", err)
	}
	return nil
}

func parseDecimal(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
