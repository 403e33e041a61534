package model

import "time"

// BookingStatus is the fulfilment state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingApproved  BookingStatus = "APPROVED"
	BookingRejected  BookingStatus = "REJECTED"
	BookingDelivered BookingStatus = "DELIVERED"
)

// PaymentMethod is how the customer pays for a booking.
type PaymentMethod string

const (
	PaymentGateway PaymentMethod = "GATEWAY"
	PaymentCOD     PaymentMethod = "COD"
	PaymentQR      PaymentMethod = "QR"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentGateway, PaymentCOD, PaymentQR:
		return true
	}
	return false
}

// PaymentStatus is tracked independently of BookingStatus.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Booking is a single cylinder order as stored in the `bookings` table.
//
// Fields:
//  ID               – primary key identifier.
//  CustomerID       – owner; references entitlements.customer_id.
//  CylinderCount    – number of cylinders ordered (1–5).
//  DeliveryAddress  – free-form delivery address.
//  DeliveryDate     – requested delivery day (UTC midnight).
//  Status           – PENDING, APPROVED, REJECTED or DELIVERED.
//  PaymentMethod    – GATEWAY, COD or QR.
//  PaymentStatus    – PENDING, SUCCESS or FAILED.
//  PaymentReference – gateway charge id or QR transaction id (nullable).
//  ScreenshotRef    – uploaded QR proof reference (nullable).
//  OrderRef         – reference handed to the payment gateway.
//  Deducted         – whether CylinderCount has been taken from the balance.
//  PaymentAttempt   – number of failed payments so far.
//  CreatedAt        – creation timestamp.
//  UpdatedAt        – last update timestamp.
type Booking struct {
	ID               uint64        `json:"id"`                          // bookings.id
	CustomerID       uint64        `json:"customer_id"`                 // bookings.customer_id
	CylinderCount    int           `json:"cylinder_count"`              // bookings.cylinder_count
	DeliveryAddress  string        `json:"delivery_address"`            // bookings.delivery_address
	DeliveryDate     time.Time     `json:"delivery_date"`               // bookings.delivery_date
	Status           BookingStatus `json:"booking_status"`              // bookings.booking_status
	PaymentMethod    PaymentMethod `json:"payment_method"`              // bookings.payment_method
	PaymentStatus    PaymentStatus `json:"payment_status"`              // bookings.payment_status
	PaymentReference *string       `json:"payment_reference,omitempty"` // bookings.payment_reference (nullable)
	ScreenshotRef    *string       `json:"screenshot_ref,omitempty"`    // bookings.screenshot_ref (nullable)
	OrderRef         string        `json:"order_ref"`                   // bookings.order_ref
	Deducted         bool          `json:"deducted"`                    // bookings.deducted
	PaymentAttempt   int           `json:"payment_attempt"`             // bookings.payment_attempt
	CreatedAt        time.Time     `json:"created_at"`                  // bookings.created_at
	UpdatedAt        time.Time     `json:"updated_at"`                  // bookings.updated_at
}

// Outstanding reports whether the booking still holds a claim on the
// customer's balance without having been deducted yet.
func (b Booking) Outstanding() bool {
	return !b.Deducted && b.Status != BookingRejected && b.PaymentStatus == PaymentPending
}
