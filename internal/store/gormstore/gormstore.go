package gormstore

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursebooking/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintActiveBooking = "uniq_active_booking"
	constraintGrantIdem     = "uniq_grant_idem"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	sqliteConstraintCode    = 19
	dialectPostgres         = "postgres"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, user_id, created_at)
		values (?, ?, ?)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id
	`

	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBooking   = "booking"
	errorSubjectCourse    = "course"
	errorSubjectGrant     = "grant"
	errorSubjectLedger    = "ledger"
	errorCodeCancel       = "cancel"
	errorCodeCount        = "count"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpsert       = "upsert"
	errorCodeUsageByCoach = "usage_by_coach"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema for drivers without external migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CreditGrant{}, &Booking{}, &Course{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccountID upserts the account row for a user. The lookup is a
// single INSERT ... ON CONFLICT DO UPDATE, never a bare SELECT: inside a
// transaction the conflicting update takes the row lock that serializes
// concurrent admissions for the same user.
func (store *Store) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	var accountID string
	err := store.db.WithContext(ctx).
		Raw(sqlInsertOrGetAccount, uuid.NewString(), userID, time.Now().UTC()).
		Scan(&accountID).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return accountID, nil
}

func (store *Store) GetCourse(ctx context.Context, courseID string) (booking.Course, error) {
	return store.getCourse(ctx, courseID, false)
}

// GetCourseForUpdate reads the course row under a row lock; the lock pins
// the capacity snapshot and serializes concurrent admissions for the course.
func (store *Store) GetCourseForUpdate(ctx context.Context, courseID string) (booking.Course, error) {
	return store.getCourse(ctx, courseID, true)
}

func (store *Store) getCourse(ctx context.Context, courseID string, forUpdate bool) (booking.Course, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() == dialectPostgres {
		// SQLite serializes writers per connection; the explicit lock is
		// only meaningful (and only valid SQL) on Postgres.
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Course
	err := query.Where("course_id = ?", courseID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, booking.ErrCourseNotFound)
		}
		return booking.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, err)
	}
	return booking.Course{
		CourseID:        model.CourseID,
		CoachUserID:     model.CoachUserID,
		MaxParticipants: model.MaxParticipants,
	}, nil
}

func (store *Store) UpsertCourse(ctx context.Context, course booking.Course) error {
	model := Course{
		CourseID:        course.CourseID,
		CoachUserID:     course.CoachUserID,
		MaxParticipants: course.MaxParticipants,
		UpdatedAt:       time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "course_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"coach_user_id", "max_participants", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectCourse, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) InsertGrant(ctx context.Context, grant booking.CreditGrant) (booking.CreditGrant, error) {
	var idempotencyKey *string
	if grant.IdempotencyKey != "" {
		value := grant.IdempotencyKey
		idempotencyKey = &value
	}
	grantedAt := time.Now().UTC()
	if grant.GrantedAtUnixUTC != 0 {
		grantedAt = time.Unix(grant.GrantedAtUnixUTC, 0).UTC()
	}
	model := CreditGrant{
		GrantID:        grant.GrantID,
		UserID:         grant.UserID,
		Credits:        grant.Credits,
		PricePaidCents: grant.PricePaidCents,
		IdempotencyKey: idempotencyKey,
		Metadata:       datatypesJSON(grant.MetadataJSON),
		GrantedAt:      grantedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isConstraintViolation(err, constraintGrantIdem) {
		return booking.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeDuplicate, booking.ErrDuplicateGrant)
	}
	if err != nil {
		return booking.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return mapGrant(model), nil
}

func (store *Store) SumGrantedCredits(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Select("coalesce(sum(credits),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListGrants(ctx context.Context, userID string, limit int) ([]booking.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("granted_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	grants := make([]booking.CreditGrant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, mapGrant(row))
	}
	return grants, nil
}

func (store *Store) FindActiveBooking(ctx context.Context, userID string, courseID string) (booking.Booking, bool, error) {
	var model Booking
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ? AND cancelled_at IS NULL", userID, courseID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Booking{}, false, nil
		}
		return booking.Booking{}, false, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	return mapBooking(model), true, nil
}

func (store *Store) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("user_id = ? AND cancelled_at IS NULL", userID).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBooking, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CountActiveByCourse(ctx context.Context, courseID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("course_id = ? AND cancelled_at IS NULL", courseID).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBooking, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CreateBooking(ctx context.Context, bookingInput booking.Booking) (booking.Booking, error) {
	bookedAt := time.Now().UTC()
	if bookingInput.BookedAtUnixUTC != 0 {
		bookedAt = time.Unix(bookingInput.BookedAtUnixUTC, 0).UTC()
	}
	model := Booking{
		BookingID: bookingInput.BookingID,
		UserID:    bookingInput.UserID,
		CourseID:  bookingInput.CourseID,
		BookedAt:  bookedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isConstraintViolation(err, constraintActiveBooking) {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrDuplicateBooking)
	}
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	return mapBooking(model), nil
}

// CancelBooking sets cancelled_at only when it is still null. Zero rows
// affected means a concurrent cancel won; the caller must not credit twice.
func (store *Store) CancelBooking(ctx context.Context, bookingID string, cancelledAtUnixUTC int64) error {
	cancelledAt := time.Unix(cancelledAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("booking_id = ? AND cancelled_at IS NULL", bookingID).
		Update("cancelled_at", cancelledAt)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCancel, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeCancel, booking.ErrAlreadyCancelled)
	}
	return nil
}

func (store *Store) ListBookingsByUser(ctx context.Context, userID string, limit int) ([]booking.Booking, error) {
	var rows []Booking
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("booked_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	bookings := make([]booking.Booking, 0, len(rows))
	for _, row := range rows {
		bookings = append(bookings, mapBooking(row))
	}
	return bookings, nil
}

func (store *Store) CourseUsageByCoach(ctx context.Context, coachUserID string) ([]booking.CourseUsage, error) {
	var rows []courseUsageRow
	err := store.db.WithContext(ctx).
		Table("courses").
		Select("courses.course_id, courses.coach_user_id, courses.max_participants, count(bookings.booking_id) as active_bookings").
		Joins("left join bookings on bookings.course_id = courses.course_id and bookings.cancelled_at is null").
		Where("courses.coach_user_id = ?", coachUserID).
		Group("courses.course_id, courses.coach_user_id, courses.max_participants").
		Order("courses.course_id").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCourse, errorCodeUsageByCoach, err)
	}
	usage := make([]booking.CourseUsage, 0, len(rows))
	for _, row := range rows {
		usage = append(usage, booking.CourseUsage{
			CourseID:        row.CourseID,
			CoachUserID:     row.CoachUserID,
			ActiveBookings:  row.ActiveBookings,
			MaxParticipants: row.MaxParticipants,
		})
	}
	return usage, nil
}

type sqlSum struct {
	Total int64
}

type courseUsageRow struct {
	CourseID        string
	CoachUserID     string
	ActiveBookings  int64
	MaxParticipants int64
}

func mapGrant(row CreditGrant) booking.CreditGrant {
	idempotencyKey := ""
	if row.IdempotencyKey != nil {
		idempotencyKey = *row.IdempotencyKey
	}
	return booking.CreditGrant{
		GrantID:          row.GrantID,
		UserID:           row.UserID,
		Credits:          row.Credits,
		PricePaidCents:   row.PricePaidCents,
		IdempotencyKey:   idempotencyKey,
		MetadataJSON:     string(row.Metadata),
		GrantedAtUnixUTC: row.GrantedAt.Unix(),
	}
}

func mapBooking(row Booking) booking.Booking {
	mapped := booking.Booking{
		BookingID:       row.BookingID,
		UserID:          row.UserID,
		CourseID:        row.CourseID,
		BookedAtUnixUTC: row.BookedAt.Unix(),
	}
	if row.CancelledAt != nil {
		mapped.CancelledAtUnixUTC = row.CancelledAt.Unix()
	}
	return mapped
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		return booking.WrapError(errorOperationStore, subject, code, booking.ErrStoreUnavailable)
	}
	return booking.WrapError(errorOperationStore, subject, code, err)
}

// isUnavailable classifies transient store failures the caller may retry:
// cancelled or expired contexts, connection-level failures, and Postgres
// shutdown/serialization classes.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") {
			return true
		}
		// serialization_failure and lock_not_available resolve on retry
		return pgErr.Code == "40001" || pgErr.Code == "55P03"
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		// SQLITE_BUSY and SQLITE_LOCKED: a concurrent writer holds the
		// database lock; the statement succeeds once it releases.
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	return false
}

func isConstraintViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
