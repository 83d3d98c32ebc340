package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"linkplace/internal/config"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

// InitRedis 初始化 Redis 连接
//
// Redis 在本服务里只承担账户锁（见 infrastructure/lock），
// 余额和流水的一致性由数据库条件更新兜底，不依赖缓存
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Redis] 连接失败: %v", err)
	}

	RedisClient = client
	log.Println("[Redis] 连接成功")
	return client
}
