package enums

import "fmt"

// SubscriberStatus tracks whether a subscriber completed the opt-in flow.
type SubscriberStatus string

const (
	SubscriberStatusPendingConfirmation SubscriberStatus = "pending_confirmation"
	SubscriberStatusConfirmed           SubscriberStatus = "confirmed"
)

var validSubscriberStatuses = []SubscriberStatus{
	SubscriberStatusPendingConfirmation,
	SubscriberStatusConfirmed,
}

// String implements fmt.Stringer.
func (s SubscriberStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s SubscriberStatus) IsValid() bool {
	for _, candidate := range validSubscriberStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSubscriberStatus converts raw input into a SubscriberStatus.
func ParseSubscriberStatus(value string) (SubscriberStatus, error) {
	for _, candidate := range validSubscriberStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscriber status %q", value)
}
