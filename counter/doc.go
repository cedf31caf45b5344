// Package counter defines daily token counters and the atomic debit
// primitive that is the only way to change them.
//
// Counters are keyed by (user, day). A new day means a new counter, so there
// is no reset job and no counter is ever decremented.
package counter
