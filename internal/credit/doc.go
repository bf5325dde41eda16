// Package credit implements the testnet stable-credit corridor: the credit
// ledger (memory and MySQL), the router that mints settlement-chain credit
// with idempotency against in-flight duplicates, and the finalizer that
// settles submitted records from a sweep or a reconcile queue (memory,
// Redis, RabbitMQ or NATS).
package credit
