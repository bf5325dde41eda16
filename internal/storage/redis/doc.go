// Package redis builds go-redis clients shared by the intent session store
// and the Redis-backed reconcile queue.
package redis
