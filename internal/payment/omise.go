// Package payment adapts the Omise API to service.PaymentGateway.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/iliyamo/cylinder-booking/internal/service"
)

// metaOrderRef is the charge metadata key carrying the booking order reference.
const metaOrderRef = "order_ref"

// OmiseGateway charges cards through Omise and verifies webhook events by
// fetching them back from the API.
type OmiseGateway struct {
	client *omise.Client
}

// NewOmiseGateway builds a client from the public and secret keys.
func NewOmiseGateway(publicKey, secretKey string) (*OmiseGateway, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	return &OmiseGateway{client: c}, nil
}

// Charge creates a card charge for req.  The order reference is stored in
// the charge metadata so the webhook can find the booking again.
func (g *OmiseGateway) Charge(ctx context.Context, req service.ChargeRequest) (*service.ChargeResult, error) {
	if req.Amount <= 0 || req.CardToken == "" || req.Currency == "" {
		return nil, errors.New("omise: invalid charge params")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &omise.Charge{}
	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Card:        req.CardToken,
		Description: req.Description,
		Metadata:    map[string]interface{}{metaOrderRef: req.OrderRef},
	}
	if err := g.client.Do(ch, op); err != nil {
		return nil, fmt.Errorf("omise create charge: %w", err)
	}
	res := chargeResult(ch)
	if res.OrderRef == "" {
		res.OrderRef = req.OrderRef
	}
	return res, nil
}

// VerifyEvent retrieves the event by id.  Only charge.complete events
// concern bookings; anything else yields nil, nil.
func (g *OmiseGateway) VerifyEvent(ctx context.Context, eventID string) (*service.ChargeResult, error) {
	if eventID == "" {
		return nil, errors.New("omise: empty event id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev := &omise.Event{}
	if err := g.client.Do(ev, &operations.RetrieveEvent{EventID: eventID}); err != nil {
		return nil, fmt.Errorf("omise retrieve event: %w", err)
	}
	return eventResult(ev)
}

func eventResult(ev *omise.Event) (*service.ChargeResult, error) {
	if ev.Key != "charge.complete" {
		return nil, nil
	}
	// ev.Data is decoded generically; round-trip it into a Charge.
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal charge: %w", err)
	}
	res := chargeResult(&ch)
	if res.OrderRef == "" {
		// not one of ours, e.g. a charge made elsewhere on the account
		return nil, nil
	}
	return res, nil
}

// chargeResult maps Omise statuses onto the three the ledger understands.
// pending and awaiting-authorisation charges wait for the webhook.
func chargeResult(ch *omise.Charge) *service.ChargeResult {
	res := &service.ChargeResult{
		ChargeID:     ch.ID,
		AuthorizeURI: ch.AuthorizeURI,
	}
	if ref, ok := ch.Metadata[metaOrderRef].(string); ok {
		res.OrderRef = ref
	}
	switch string(ch.Status) {
	case "successful":
		res.Status = service.ChargeSuccessful
	case "failed", "expired", "reversed":
		res.Status = service.ChargeFailed
		if ch.FailureCode != nil {
			res.FailureCode = *ch.FailureCode
		} else {
			res.FailureCode = string(ch.Status)
		}
	default:
		res.Status = service.ChargePending
	}
	return res
}
