package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a platform user (student or coach).
type UserID struct {
	value string
}

// CourseID identifies a coach-led course.
type CourseID struct {
	value string
}

// CreditAmount is a strictly positive number of booking credits.
type CreditAmount int64

// PriceCents is a non-negative purchase price in minor currency units.
type PriceCents int64

// IdempotencyKey scopes duplicate detection for credit grants.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewCourseID validates and normalizes a course id.
func NewCourseID(raw string) (CourseID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CourseID{}, fmt.Errorf("%w: empty value", ErrInvalidCourseID)
	}
	return CourseID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CourseID) String() string {
	return id.value
}

// NewCreditAmount validates a credit amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: credits must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewPriceCents validates a price and ensures it is not negative.
func NewPriceCents(raw int64) (PriceCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: price must not be negative", ErrInvalidAmount)
	}
	return PriceCents(raw), nil
}

// Int64 returns the raw price in cents.
func (price PriceCents) Int64() int64 {
	return int64(price)
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// CreditGrant is a single immutable purchase record in the ledger.
// Grants are never updated or deleted; corrections are offsetting grants.
type CreditGrant struct {
	GrantID          string
	UserID           string
	Credits          int64
	PricePaidCents   int64
	IdempotencyKey   string
	MetadataJSON     string
	GrantedAtUnixUTC int64
}

// Booking links a user to a course seat. CancelledAtUnixUTC zero means active.
type Booking struct {
	BookingID          string
	UserID             string
	CourseID           string
	BookedAtUnixUTC    int64
	CancelledAtUnixUTC int64
}

// Active reports whether the booking still occupies a seat.
func (b Booking) Active() bool {
	return b.CancelledAtUnixUTC == 0
}

// Course is a read-only capacity snapshot owned by the metadata collaborator.
type Course struct {
	CourseID        string
	CoachUserID     string
	MaxParticipants int64
}

// CreditSummary is the per-user read-side view of the ledger.
type CreditSummary struct {
	GrantedCredits   int64
	UsedCredits      int64
	RemainingCredits int64
}

// CourseUsage reports seat occupancy for one course.
type CourseUsage struct {
	CourseID        string
	CoachUserID     string
	ActiveBookings  int64
	MaxParticipants int64
}

// CoachUsage aggregates active bookings across all courses of one coach.
type CoachUsage struct {
	CoachUserID    string
	ActiveBookings int64
	Courses        []CourseUsage
}

// Store is the persistence contract used by Service.
//
// Implementations must guarantee that the closure passed to WithTx observes
// a consistent snapshot and that its writes commit atomically with the
// checks performed inside it: GetCourseForUpdate locks the course row and
// GetOrCreateAccountID locks the caller's account row for the duration of
// the transaction. CancelBooking is a single conditional update on the
// null cancellation timestamp.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID string) (string, error)
	GetCourse(ctx context.Context, courseID string) (Course, error)
	GetCourseForUpdate(ctx context.Context, courseID string) (Course, error)
	UpsertCourse(ctx context.Context, course Course) error
	InsertGrant(ctx context.Context, grant CreditGrant) (CreditGrant, error)
	SumGrantedCredits(ctx context.Context, userID string) (int64, error)
	ListGrants(ctx context.Context, userID string, limit int) ([]CreditGrant, error)
	FindActiveBooking(ctx context.Context, userID string, courseID string) (Booking, bool, error)
	CountActiveByUser(ctx context.Context, userID string) (int64, error)
	CountActiveByCourse(ctx context.Context, courseID string) (int64, error)
	CreateBooking(ctx context.Context, bookingInput Booking) (Booking, error)
	CancelBooking(ctx context.Context, bookingID string, cancelledAtUnixUTC int64) error
	ListBookingsByUser(ctx context.Context, userID string, limit int) ([]Booking, error)
	CourseUsageByCoach(ctx context.Context, coachUserID string) ([]CourseUsage, error)
}
