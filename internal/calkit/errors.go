package calkit

import "errors"

var (
	// ErrMissingCredential indicates no stored refresh credential exists for the user.
	ErrMissingCredential = errors.New("calkit.missing_credential")
	// ErrExchangeFailed indicates the provider rejected the authorization code.
	ErrExchangeFailed = errors.New("calkit.exchange_failed")
	// ErrIdentityVerification indicates the identity token could not be verified.
	ErrIdentityVerification = errors.New("calkit.identity_unverified")
	// ErrCalendarUnavailable indicates a calendar listing call failed upstream.
	ErrCalendarUnavailable = errors.New("calkit.calendar_unavailable")
	// ErrEventCreation indicates an event insert failed upstream.
	ErrEventCreation = errors.New("calkit.event_creation_failed")
	// ErrInvalidEventDraft indicates a draft event is missing a required field.
	ErrInvalidEventDraft = errors.New("calkit.invalid_event_draft")
)
