// README: Redis client initialization for driver mailboxes, broadcast pub/sub and pricing caches.
package infra

import "github.com/redis/go-redis/v9"

func NewRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
