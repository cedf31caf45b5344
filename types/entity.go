// Package types provides common types used across Allowance.
package types

import "time"

// Entity is the base type for persisted Allowance records with timestamps.
type Entity struct {
	CreatedAt time.Time `json:"created_at" grove:"created_at"`
	UpdatedAt time.Time `json:"updated_at" grove:"updated_at"`
}

// NewEntity creates a new Entity with current timestamps.
func NewEntity() Entity {
	return EntityAt(time.Now())
}

// EntityAt creates a new Entity stamped with t (in UTC).
func EntityAt(t time.Time) Entity {
	t = t.UTC()
	return Entity{
		CreatedAt: t,
		UpdatedAt: t,
	}
}

// Touch updates the UpdatedAt timestamp to now.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}

// TouchAt updates the UpdatedAt timestamp to t (in UTC).
func (e *Entity) TouchAt(t time.Time) {
	e.UpdatedAt = t.UTC()
}
