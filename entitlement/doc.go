// Package entitlement resolves whether a user may act at all.
//
// The decision combines role, plan, status and plan expiry. Admins always
// pass. Expiry is computed at read time and never written back.
package entitlement
