// Package web3 houses chain connectivity for the execution gate: chain
// definitions loaded from YAML, the balance reader and receipt confirmer
// contracts, and the RPC failover helper shared by the per-chain clients in
// the ethereum and solana subpackages. The provider subpackage dispatches
// calls to those clients by chain name.
package web3
