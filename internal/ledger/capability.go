package ledger

import "fmt"

// Role is the kind of actor performing an operation.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
	RoleGateway  Role = "GATEWAY"
)

// ParseRole maps a token claim to a Role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleCustomer, RoleAdmin, RoleGateway:
		return r, true
	}
	return "", false
}

// Actor is an authenticated caller.  Gateway callbacks use ID 0.
type Actor struct {
	ID   uint64
	Role Role
}

// GatewayActor is the identity under which verified gateway callbacks run.
var GatewayActor = Actor{Role: RoleGateway}

// Operation is a mutation or read guarded by Authorize.
type Operation string

const (
	OpViewEntitlement   Operation = "entitlement.view"
	OpCreateEntitlement Operation = "entitlement.create"
	OpAdjustBalance     Operation = "entitlement.adjust"
	OpResetBalance      Operation = "entitlement.reset"
	OpCreateBooking     Operation = "booking.create"
	OpViewBooking       Operation = "booking.view"
	OpListAllBookings   Operation = "booking.list_all"
	OpApproveBooking    Operation = "booking.approve"
	OpRejectBooking     Operation = "booking.reject"
	OpDeliverBooking    Operation = "booking.deliver"
	OpSubmitPayment     Operation = "payment.submit"
	OpCheckout          Operation = "payment.checkout"
	OpConfirmPayment    Operation = "payment.confirm"
	OpGatewayCallback   Operation = "payment.gateway_callback"
	OpViewHistory       Operation = "log.view"
)

var capabilities = map[Operation][]Role{
	OpViewEntitlement:   {RoleCustomer, RoleAdmin},
	OpCreateEntitlement: {RoleCustomer, RoleAdmin},
	OpAdjustBalance:     {RoleAdmin},
	OpResetBalance:      {RoleAdmin},
	OpCreateBooking:     {RoleCustomer},
	OpViewBooking:       {RoleCustomer, RoleAdmin},
	OpListAllBookings:   {RoleAdmin},
	OpApproveBooking:    {RoleAdmin},
	OpRejectBooking:     {RoleAdmin},
	OpDeliverBooking:    {RoleAdmin},
	OpSubmitPayment:     {RoleCustomer},
	OpCheckout:          {RoleCustomer},
	OpConfirmPayment:    {RoleAdmin},
	OpGatewayCallback:   {RoleGateway},
	OpViewHistory:       {RoleAdmin},
}

// Authorize is the single capability check consulted by every service
// operation.  Unknown operations are denied.
func Authorize(role Role, op Operation) error {
	for _, r := range capabilities[op] {
		if r == role {
			return nil
		}
	}
	return &Denial{Err: ErrUnauthorized, Reason: fmt.Sprintf("role %q may not perform %s", role, op)}
}

// AuthorizeOwner additionally requires customers to own the resource.
// Admins and the gateway act on any customer's records.
func AuthorizeOwner(actor Actor, op Operation, ownerID uint64) error {
	if err := Authorize(actor.Role, op); err != nil {
		return err
	}
	if actor.Role == RoleCustomer && actor.ID != ownerID {
		return &Denial{Err: ErrNotFound, Reason: "record not found"}
	}
	return nil
}
