package domain

import "time"

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Status is the provider-agnostic delivery status vocabulary. Transitions
// are monotonic except for the explicit release of a dispatch claim back to
// StatusCreated when a simulated callback or a provider send fails.
type Status string

const (
	StatusCreated          Status = "created"
	StatusSending          Status = "sending"
	StatusSent             Status = "sent"
	StatusDelivered        Status = "delivered"
	StatusPending          Status = "pending"
	StatusTemporaryFailure Status = "temporary-failure"
	StatusPermanentFailure Status = "permanent-failure"
	StatusTechnicalFailure Status = "technical-failure"
)

// InFlight reports whether a delivery receipt may still be applied.
func (s Status) InFlight() bool {
	return s == StatusSending || s == StatusPending
}

type KeyType string

const (
	KeyTypeNormal KeyType = "normal"
	KeyTypeTeam   KeyType = "team"
	KeyTypeTest   KeyType = "test"
)

// Notification is one message attempt. It is created by the external API
// layer and owned by the service that created it; this pipeline only moves
// it through the status state machine.
type Notification struct {
	ID              string
	ServiceID       string
	Channel         Channel
	To              string // raw recipient as given
	NormalisedTo    string // E.164 phone or lowercased email
	Subject         string // email only, already rendered
	Body            string // already rendered
	Status          Status
	SentBy          string // provider identifier, empty until sent
	Reference       string // provider-assigned message id
	ClientReference string
	BillableUnits   int
	RateMultiplier  float64
	KeyType         KeyType
	International   bool

	// Per-notification callback override. When both are set they take
	// precedence over the service-level registration.
	StatusCallbackURL         string
	StatusCallbackBearerToken string

	CreatedAt time.Time
	SentAt    *time.Time
	UpdatedAt *time.Time
}

// Service is the owning service, read-only to this pipeline.
type Service struct {
	ID           string
	Name         string
	Active       bool
	ResearchMode bool
}

// Provider is a configured delivery channel implementation as persisted in
// the provider table. The disabled flag lives here, not in process memory,
// so every worker sees it.
type Provider struct {
	Identifier            string
	Channel               Channel
	Priority              int
	Active                bool
	SupportsInternational bool
}

type CallbackType string

const (
	CallbackTypeDeliveryStatus CallbackType = "delivery_status"
	CallbackTypeComplaint      CallbackType = "complaint"
)

// CallbackRegistration is a subscribing service's callback endpoint.
type CallbackRegistration struct {
	ServiceID    string
	URL          string
	BearerToken  string
	CallbackType CallbackType
}

// CallbackFailure is one failed outbound callback attempt, append-only.
type CallbackFailure struct {
	ServiceID      string
	NotificationID string // empty if the notification's history has expired
	CallbackURL    string
	AttemptNumber  int
	AttemptStarted time.Time
	AttemptEnded   time.Time
	FailureType    string
	CallbackType   CallbackType
}

// Complaint is an email recipient complaint reported by the provider,
// append-only and separate from notification status.
type Complaint struct {
	ID             string
	NotificationID string
	ServiceID      string
	FeedbackID     string
	ComplaintType  string
	ComplaintDate  *time.Time
}
