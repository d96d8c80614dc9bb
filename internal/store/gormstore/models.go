package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. One row per user; the admission
// transaction locks this row to serialize per-user credit checks.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditGrant mirrors the credit_grants table. Append-only: no code path
// updates or deletes a row once written.
type CreditGrant struct {
	GrantID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_grants_user_granted,priority:1"`
	Credits        int64          `gorm:"not null"`
	PricePaidCents int64          `gorm:"not null"`
	IdempotencyKey *string        `gorm:"index:uniq_grant_idem,unique"`
	Metadata       datatypes.JSON `gorm:"not null"`
	GrantedAt      time.Time      `gorm:"not null;index:idx_grants_user_granted,priority:2"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

func (grant *CreditGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// Booking mirrors the bookings table. The partial unique index keeps at
// most one active row per (user_id, course_id); cancelled rows stay for
// audit and never collide.
type Booking struct {
	BookingID   string     `gorm:"type:uuid;primaryKey"`
	UserID      string     `gorm:"not null;index:uniq_active_booking,unique,where:cancelled_at IS NULL,priority:1"`
	CourseID    string     `gorm:"not null;index:uniq_active_booking,unique,where:cancelled_at IS NULL,priority:2;index:idx_bookings_course"`
	BookedAt    time.Time  `gorm:"not null"`
	CancelledAt *time.Time `gorm:""`
}

func (Booking) TableName() string { return "bookings" }

func (bookingRow *Booking) BeforeCreate(tx *gorm.DB) error {
	if bookingRow.BookingID == "" {
		bookingRow.BookingID = uuid.NewString()
	}
	return nil
}

// Course mirrors the courses table: a capacity snapshot maintained by the
// metadata collaborator through upserts only.
type Course struct {
	CourseID        string    `gorm:"primaryKey"`
	CoachUserID     string    `gorm:"not null;index:idx_courses_coach"`
	MaxParticipants int64     `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Course) TableName() string { return "courses" }
