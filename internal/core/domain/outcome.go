package domain

// ReleaseOutcome is the verdict the release engine hands to a channel adapter.
// Resolved and PermanentSkip are acknowledged, RetryLater is requeued.
type ReleaseOutcome int

const (
	Resolved ReleaseOutcome = iota + 1
	RetryLater
	PermanentSkip
)

func (o ReleaseOutcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case RetryLater:
		return "retry_later"
	case PermanentSkip:
		return "permanent_skip"
	default:
		return "unknown"
	}
}

func (o ReleaseOutcome) Ack() bool {
	return o == Resolved || o == PermanentSkip
}
