package level

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"
)

// KVStore : small durable key/value record keeper backed by goleveldb, or by
// redis when a redis URI is configured. The monitor uses it to remember which
// anchor transactions were already broadcast, so a crash between broadcast and
// the job-store update never leads to a duplicate anchor.
type KVStore struct {
	RedisClient *redis.Client
	LevelDb     dbm.DB
	Logger      log.Logger
}

// NewKVStore : leveldb-backed store
func NewKVStore(db dbm.DB, logger log.Logger) *KVStore {
	return &KVStore{
		LevelDb: db,
		Logger:  logger,
	}
}

// NewKVStoreWithRedis : redis-backed store, for deployments sharing cache state
func NewKVStoreWithRedis(redisURI string, logger log.Logger) (*KVStore, error) {
	opts, err := redis.ParseURL(redisURI)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		return nil, err
	}
	return &KVStore{
		RedisClient: client,
		Logger:      logger,
	}, nil
}

func (cache *KVStore) Get(key string) (string, error) {
	if cache.RedisClient != nil {
		val, err := cache.RedisClient.Get(key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return val, err
	}
	bArr, err := cache.LevelDb.Get([]byte(key))
	return string(bArr), err
}

func (cache *KVStore) Set(key string, value string) error {
	if cache.RedisClient != nil {
		return cache.RedisClient.Set(key, value, 0).Err()
	}
	return cache.LevelDb.Set([]byte(key), []byte(value))
}

// GetArray : all values recorded under a key
func (cache *KVStore) GetArray(key string) ([]string, error) {
	if cache.RedisClient != nil {
		return cache.RedisClient.LRange(key, 0, -1).Result()
	}
	bArr, err := cache.LevelDb.Get([]byte(key))
	if err != nil {
		return []string{}, err
	}
	if bArr == nil {
		return []string{}, nil
	}
	var arr []string
	if err := json.Unmarshal(bArr, &arr); err != nil {
		return []string{}, err
	}
	return arr, nil
}

// Add : append a value to the array under a key
func (cache *KVStore) Add(key string, value string) error {
	if cache.RedisClient != nil {
		return cache.RedisClient.RPush(key, value).Err()
	}
	results, err := cache.GetArray(key)
	if err != nil {
		return err
	}
	results = append(results, value)
	bArr, _ := json.Marshal(results)
	return cache.LevelDb.Set([]byte(key), bArr)
}

// Del : remove one value from the array under a key, or the whole key when
// value is empty
func (cache *KVStore) Del(key string, value string) error {
	if cache.RedisClient != nil {
		if value == "" {
			return cache.RedisClient.Del(key).Err()
		}
		return cache.RedisClient.LRem(key, 0, value).Err()
	}
	if value == "" {
		return cache.LevelDb.Delete([]byte(key))
	}
	results, err := cache.GetArray(key)
	if err != nil {
		return err
	}
	for i, v := range results {
		if v == value {
			results = append(results[:i], results[i+1:]...)
			break
		}
	}
	bArr, _ := json.Marshal(results)
	return cache.LevelDb.Set([]byte(key), bArr)
}
