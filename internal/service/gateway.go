package service

import "context"

// ChargeStatus mirrors the gateway's view of a charge.
type ChargeStatus string

const (
	ChargeSuccessful ChargeStatus = "successful"
	ChargeFailed     ChargeStatus = "failed"
	ChargePending    ChargeStatus = "pending"
)

// ChargeRequest asks the gateway to take payment for one booking.  The
// OrderRef travels with the charge and comes back on callbacks.
type ChargeRequest struct {
	OrderRef    string
	Amount      int64
	Currency    string
	CardToken   string
	Description string
}

// ChargeResult is the gateway's answer to a charge or a verified event.
type ChargeResult struct {
	ChargeID     string
	OrderRef     string
	Status       ChargeStatus
	FailureCode  string
	AuthorizeURI string
}

// PaymentGateway is the external payment collaborator.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// VerifyEvent fetches a webhook event from the gateway by id.  It
	// returns nil, nil for events that do not concern a charge.
	VerifyEvent(ctx context.Context, eventID string) (*ChargeResult, error)
}
