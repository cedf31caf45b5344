package allowance

import (
	"fmt"
	"time"
)

// Action is what the caller should offer the user next.
type Action string

const (
	ActionNone           Action = ""
	ActionUpgrade        Action = "upgrade"
	ActionRenew          Action = "renew"
	ActionWait           Action = "wait_for_reset"
	ActionContactSupport Action = "contact_support"
	ActionRetry          Action = "retry"
)

// Denial is the user-facing explanation attached to every non-granted
// result. It is plain data, not an error.
type Denial struct {
	Code        Reason `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      Action `json:"action,omitempty"`
}

// DenialFor builds the denial for reason. resetsAt is shown for
// INSUFFICIENT_TOKENS and ignored otherwise.
func DenialFor(reason Reason, resetsAt time.Time) *Denial {
	d := &Denial{Code: reason}

	switch reason {
	case ReasonUserNotFound:
		d.Title = "Account not found"
		d.Description = "We could not find an account for this request."
		d.Action = ActionContactSupport
	case ReasonUserNotActive:
		d.Title = "Account not active"
		d.Description = "Your account is pending approval or has been disabled."
		d.Action = ActionContactSupport
	case ReasonTrialExpired:
		d.Title = "Trial ended"
		d.Description = "Your free trial has ended. Upgrade to a membership to keep using tools."
		d.Action = ActionUpgrade
	case ReasonMembershipExpired:
		d.Title = "Membership expired"
		d.Description = "Your membership has expired. Renew it to keep using tools."
		d.Action = ActionRenew
	case ReasonInsufficientTokens:
		d.Title = "Out of tokens for today"
		d.Description = "You have used today's tokens."
		if !resetsAt.IsZero() {
			d.Description = fmt.Sprintf("You have used today's tokens. Your balance resets at %s.",
				resetsAt.Format("15:04 MST, Jan 2"))
		}
		d.Action = ActionWait
	case ReasonSystemError:
		d.Title = "Something went wrong"
		d.Description = "We could not check your token balance. Please try again shortly."
		d.Action = ActionRetry
	default:
		d.Title = "Not allowed"
		d.Description = "This action is not available for your account."
	}

	return d
}
