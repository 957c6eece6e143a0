package enums

type DeliveryFailureReason string

const (
	DeliveryFailureReasonMaxAttempts DeliveryFailureReason = "max_attempts"
	DeliveryFailureReasonPermanent   DeliveryFailureReason = "permanent"
)

var validDeliveryFailureReasons = []DeliveryFailureReason{
	DeliveryFailureReasonMaxAttempts,
	DeliveryFailureReasonPermanent,
}

func (r DeliveryFailureReason) IsValid() bool {
	for _, candidate := range validDeliveryFailureReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
