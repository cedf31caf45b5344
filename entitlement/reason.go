package entitlement

// Reason explains why an action was not granted.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUserNotFound       Reason = "USER_NOT_FOUND"
	ReasonUserNotActive      Reason = "USER_NOT_ACTIVE"
	ReasonTrialExpired       Reason = "TRIAL_EXPIRED"
	ReasonMembershipExpired  Reason = "MEMBERSHIP_EXPIRED"
	ReasonInsufficientTokens Reason = "INSUFFICIENT_TOKENS"
	ReasonSystemError        Reason = "SYSTEM_ERROR"
)

func (r Reason) String() string {
	return string(r)
}

// Retryable reports whether the same request may succeed later without any
// change to the user's entitlement.
func (r Reason) Retryable() bool {
	return r == ReasonInsufficientTokens || r == ReasonSystemError
}
