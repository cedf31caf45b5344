// Package plan defines subscription tiers and the immutable table of daily
// token limits attached to them.
package plan
