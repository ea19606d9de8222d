package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"alumni-search-go/internal/config"
	"alumni-search-go/internal/constants"
	"alumni-search-go/internal/tracing"
	"alumni-search-go/internal/types"
)

// ErrNotFound 键不存在时返回，封装底层的 redis.Nil
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("alumni-search-go/storage/redis")

// Redis 封装Redis客户端
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis客户端连接
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis地址不能为空")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("为Redis添加OpenTelemetry追踪失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis(%s)失败: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close 关闭Redis客户端连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	return r.Client.Ping(ctx).Err()
}

// CacheSearchResults 将完整的搜索响应按查询哈希缓存为JSON字符串。
// 降级结果集不缓存，由调用方保证传入的是正常路径的响应。
func (r *Redis) CacheSearchResults(ctx context.Context, queryHash string, resp *types.SearchResponse, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	if resp == nil || len(resp.Results) == 0 {
		return nil // 不缓存空结果
	}

	key := fmt.Sprintf(constants.KeySearchResult, queryHash)

	ctx, span := redisTracer.Start(ctx, "CacheSearchResults")
	defer span.End()
	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("redis.key", tracing.SafeRedisKey(key)),
		attribute.Int("results.count", len(resp.Results)),
	)

	data, err := json.Marshal(resp)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		return fmt.Errorf("序列化搜索结果失败: %w", err)
	}

	if err := r.Client.Set(ctx, key, data, ttl).Err(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetCachedSearchResults 按查询哈希读取缓存的搜索响应。
// 未命中返回 ErrNotFound。
func (r *Redis) GetCachedSearchResults(ctx context.Context, queryHash string) (*types.SearchResponse, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	key := fmt.Sprintf(constants.KeySearchResult, queryHash)

	ctx, span := redisTracer.Start(ctx, "GetCachedSearchResults")
	defer span.End()
	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("redis.key", tracing.SafeRedisKey(key)),
	)

	data, err := r.Client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			span.SetStatus(codes.Ok, "cache miss")
			return nil, ErrNotFound
		}
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, err
	}

	var resp types.SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// 损坏的缓存按未命中处理，删除后走正常流程重建
		r.Client.Del(ctx, key)
		span.SetAttributes(attribute.Bool("cache.corrupted", true))
		span.SetStatus(codes.Ok, "corrupted cache entry dropped")
		return nil, ErrNotFound
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("results.count", len(resp.Results)),
	)
	span.SetStatus(codes.Ok, "")
	return &resp, nil
}

// AcquireLock 尝试获取一个分布式锁，防止同一查询的并发重建打穿下游。
// 成功返回锁持有者标识，未获取到返回空字符串。
func (r *Redis) AcquireLock(ctx context.Context, queryHash string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}

	lockKey := fmt.Sprintf(constants.KeySearchLock, queryHash)

	lockUUID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("生成锁标识失败: %w", err)
	}
	lockValue := lockUUID.String()

	// SetNX保证原子性
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证原子性
func (r *Redis) ReleaseLock(ctx context.Context, queryHash string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}

	lockKey := fmt.Sprintf(constants.KeySearchLock, queryHash)

	// 如果key存在且值匹配，则删除key
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}

	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}

	return false, nil // 锁不存在或不属于当前持有者
}
