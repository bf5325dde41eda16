// Package funding decides, before any execution calldata is built, whether
// the settlement wallet is funded. It reads balances, routes testnet credit
// from the source chain when short, waits for the credit receipt and
// re-reads the settlement balance. Every outcome is a typed Result; unknown
// states fail closed.
package funding
