// Package allowance provides a daily token entitlement and quota engine for
// Go applications.
//
// Allowance is designed as a library, not a service. Import it directly into
// your Go application, or run cmd/allowanced for an HTTP front end. It
// provides:
//
//   - An entitlement resolver that decides whether a user may act at all
//   - A quota ledger with an atomic, never-overspending daily debit
//   - An append-only usage log with paginated listing and aggregation
//   - Pluggable storage (memory, PostgreSQL, SQLite, MongoDB, Redis counters)
//   - Plugin hooks for metrics and audit trails
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/allowance"
//	    "github.com/xraph/allowance/store/memory"
//	)
//
//	engine := allowance.New(memory.New())
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// An entitlement is a user's role, plan, status and plan expiry. Admins always
// pass; everyone else must be active and within their plan's expiry:
//
//	err := engine.ProvisionUser(ctx, &entitlement.UserEntitlement{
//	    UserID: "user_123",
//	    Role:   entitlement.RoleMember,
//	    Plan:   plan.Trial,
//	    Status: entitlement.StatusActive,
//	})
//
// Each plan has a daily token limit (trial 10, member 100 by default). A
// consume request debits today's counter only if the result stays within the
// limit:
//
//	res, err := engine.TryConsume(ctx, "user_123", "summarize", 3)
//	if err != nil {
//	    // Invalid input or a system failure. Do not run the tool.
//	}
//	if !res.Granted {
//	    // res.Denial explains why, e.g. INSUFFICIENT_TOKENS
//	}
//
// Days are counted in a reporting timezone (UTC+7 unless configured with
// WithCalendar). A new day starts a new counter; nothing is reset in place.
//
// # Failure model
//
// Allowance fails closed. Any storage error yields a result with reason
// SYSTEM_ERROR and an error wrapping ErrSystem. A granted debit is charged on
// admission: if the usage log append fails afterwards the tokens stay spent.
//
// # TypeID
//
// Usage log entries and consume decisions use TypeIDs:
//
//	ulog_01h2xcejqtf2nbrexx3vqjhp41  // Usage entry ID
//	dec_01h2xcejqtf2nbrexx3vqjhp41   // Decision ID
package allowance
