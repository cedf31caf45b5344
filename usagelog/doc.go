// Package usagelog is the append-only audit trail of token consumption and
// the read-side queries over it.
package usagelog
