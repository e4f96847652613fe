// Package redis holds the Redis connection-pool registry. Pools are created
// once at start for every configured database index and drained on shutdown;
// callers never create clients lazily.
package redis
