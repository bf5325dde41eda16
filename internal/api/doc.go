// Package api exposes the intent guard, the funding guarantor and the credit
// ledger over a JSON REST surface, with graceful shutdown tied to the root
// context.
package api
