package domain

import "errors"

var (
	// ErrNoActiveProvider means no configured provider survived the
	// active/international filter. Fatal for the send attempt; a correctly
	// configured deployment never hits this.
	ErrNoActiveProvider = errors.New("no active provider")

	// ErrBadCallbackPayload means an inbound delivery receipt could not be
	// parsed against the provider's schema. Callers return 400, no retry.
	ErrBadCallbackPayload = errors.New("malformed callback payload")

	// ErrUnknownProviderStatus means the provider sent a status code that
	// is not in its mapping table. Needs operator attention, never dropped
	// silently.
	ErrUnknownProviderStatus = errors.New("unknown provider status")

	// ErrReceiptRace means the receipt arrived before the send transaction
	// committed. Callers return 500 so the provider retries.
	ErrReceiptRace = errors.New("receipt arrived before notification was committed")
)
