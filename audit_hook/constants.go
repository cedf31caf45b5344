package audithook

// Action constants for audit events.
const (
	// Entitlement actions
	ActionUserProvisioned     = "entitlement.provisioned"
	ActionEntitlementUpdated  = "entitlement.updated"
	ActionEntitlementRenewed  = "entitlement.renewed"
	ActionEntitlementDisabled = "entitlement.disabled"
	ActionEntitlementDenied   = "entitlement.denied"

	// Quota actions
	ActionConsumeGranted = "quota.granted"
	ActionQuotaExceeded  = "quota.exceeded"
	ActionConsumeFailed  = "quota.failed"

	// Usage actions
	ActionUsageRecorded = "usage.recorded"

	// Store actions
	ActionStoreError = "store.error"
)

// Resource constants for audit events.
const (
	ResourceEntitlement = "entitlement"
	ResourceQuota       = "quota"
	ResourceUsage       = "usage"
	ResourceStore       = "store"
)

// Category constants for audit events.
const (
	CategoryAccess = "access"
	CategoryUsage  = "usage"
	CategoryAdmin  = "admin"
	CategorySystem = "system"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
