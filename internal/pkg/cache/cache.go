package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

// NewClient builds a Redis client from the environment. Callers hold the
// returned client and pass it to the components that need it; there is no
// package-level singleton so tests can substitute their own client.
func NewClient() *redis.Client {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
	return client
}
