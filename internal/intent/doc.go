// Package intent classifies free-form action text into risk paths and guards
// the transitions between them. Risk-elevating moves into execution require a
// typed confirmation reply; the guard keeps per-session state in a pluggable
// ContextStore so several processes can share it through Redis.
package intent
