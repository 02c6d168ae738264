// Package audit keeps an append-only bbolt log of privileged-operation
// attempts (shutdown, policy reload) and delivered
// violation alerts. Entries are keyed by a nanosecond timestamp prefix so
// bbolt's natural byte-ordered iteration returns them chronologically.
package audit
