package pgstore

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/MarkoPoloResearchLab/coursebooking/pkg/booking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintActiveBooking = "uniq_active_booking"
	constraintGrantIdem     = "uniq_grant_idem"
	pgUniqueViolationCode   = "23505"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBooking     = "booking"
	errorSubjectCourse      = "course"
	errorSubjectGrant       = "grant"
	errorSubjectLedger      = "ledger"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCancel         = "cancel"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpsert         = "upsert"
	errorCodeUsageByCoach   = "usage_by_coach"

	sqlInsertOrGetAccount = `
		insert into accounts(user_id) values($1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id
	`

	sqlSelectCourse = `
		select course_id, coach_user_id, max_participants
		from courses
		where course_id = $1
	`

	sqlSelectCourseForUpdate = sqlSelectCourse + `
		for update
	`

	sqlUpsertCourse = `
		insert into courses(course_id, coach_user_id, max_participants, updated_at)
		values ($1, $2, $3, now())
		on conflict (course_id) do update
		set coach_user_id = excluded.coach_user_id,
		    max_participants = excluded.max_participants,
		    updated_at = now()
	`

	sqlInsertGrant = `
		insert into credit_grants(
			grant_id, user_id, credits, price_paid_cents, idempotency_key, metadata, granted_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''),
			coalesce(nullif($5,''),'{}')::jsonb,
			to_timestamp($6)
		)
		returning grant_id
	`

	sqlSumGrantedCredits = `
		select coalesce(sum(credits),0) from credit_grants where user_id = $1
	`

	sqlListGrants = `
		select
			grant_id::text,
			user_id,
			credits,
			price_paid_cents,
			coalesce(idempotency_key,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from granted_at)::bigint
		from credit_grants
		where user_id = $1
		order by granted_at desc
		limit $2
	`

	sqlFindActiveBooking = `
		select booking_id::text, user_id, course_id, extract(epoch from booked_at)::bigint
		from bookings
		where user_id = $1 and course_id = $2 and cancelled_at is null
	`

	sqlCountActiveByUser = `
		select count(*) from bookings where user_id = $1 and cancelled_at is null
	`

	sqlCountActiveByCourse = `
		select count(*) from bookings where course_id = $1 and cancelled_at is null
	`

	sqlInsertBooking = `
		insert into bookings(booking_id, user_id, course_id, booked_at)
		values (gen_random_uuid(), $1, $2, to_timestamp($3))
		returning booking_id
	`

	sqlCancelBooking = `
		update bookings
		set cancelled_at = to_timestamp($2)
		where booking_id = $1 and cancelled_at is null
	`

	sqlListBookingsByUser = `
		select
			booking_id::text,
			user_id,
			course_id,
			extract(epoch from booked_at)::bigint,
			coalesce(extract(epoch from cancelled_at)::bigint,0)
		from bookings
		where user_id = $1
		order by booked_at desc
		limit $2
	`

	sqlCourseUsageByCoach = `
		select
			courses.course_id,
			courses.coach_user_id,
			courses.max_participants,
			count(bookings.booking_id)
		from courses
		left join bookings
			on bookings.course_id = courses.course_id and bookings.cancelled_at is null
		where courses.coach_user_id = $1
		group by courses.course_id, courses.coach_user_id, courses.max_participants
		order by courses.course_id
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements booking.Store using a pgx connection pool; WithTx
// produces a Store view bound to the active transaction.
type Store struct {
	pool   *pgxpool.Pool
	runner querier
	inTx   bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, runner: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, runner: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	var accountID string
	if err := store.runner.QueryRow(ctx, sqlInsertOrGetAccount, userID).Scan(&accountID); err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return accountID, nil
}

func (store *Store) GetCourse(ctx context.Context, courseID string) (booking.Course, error) {
	return store.getCourse(ctx, sqlSelectCourse, courseID)
}

func (store *Store) GetCourseForUpdate(ctx context.Context, courseID string) (booking.Course, error) {
	return store.getCourse(ctx, sqlSelectCourseForUpdate, courseID)
}

func (store *Store) getCourse(ctx context.Context, query string, courseID string) (booking.Course, error) {
	var course booking.Course
	err := store.runner.QueryRow(ctx, query, courseID).Scan(
		&course.CourseID,
		&course.CoachUserID,
		&course.MaxParticipants,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, booking.ErrCourseNotFound)
		}
		return booking.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, err)
	}
	return course, nil
}

func (store *Store) UpsertCourse(ctx context.Context, course booking.Course) error {
	_, err := store.runner.Exec(ctx, sqlUpsertCourse, course.CourseID, course.CoachUserID, course.MaxParticipants)
	if err != nil {
		return wrapStoreError(errorSubjectCourse, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) InsertGrant(ctx context.Context, grant booking.CreditGrant) (booking.CreditGrant, error) {
	err := store.runner.QueryRow(ctx, sqlInsertGrant,
		grant.UserID,
		grant.Credits,
		grant.PricePaidCents,
		grant.IdempotencyKey,
		grant.MetadataJSON,
		grant.GrantedAtUnixUTC,
	).Scan(&grant.GrantID)
	if isConstraintViolation(err, constraintGrantIdem) {
		return booking.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeDuplicate, booking.ErrDuplicateGrant)
	}
	if err != nil {
		return booking.CreditGrant{}, wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return grant, nil
}

func (store *Store) SumGrantedCredits(ctx context.Context, userID string) (int64, error) {
	var sum int64
	if err := store.runner.QueryRow(ctx, sqlSumGrantedCredits, userID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListGrants(ctx context.Context, userID string, limit int) ([]booking.CreditGrant, error) {
	rows, err := store.runner.Query(ctx, sqlListGrants, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	grants := make([]booking.CreditGrant, 0, limit)
	for rows.Next() {
		var grant booking.CreditGrant
		if err := rows.Scan(
			&grant.GrantID,
			&grant.UserID,
			&grant.Credits,
			&grant.PricePaidCents,
			&grant.IdempotencyKey,
			&grant.MetadataJSON,
			&grant.GrantedAtUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return grants, nil
}

func (store *Store) FindActiveBooking(ctx context.Context, userID string, courseID string) (booking.Booking, bool, error) {
	var active booking.Booking
	err := store.runner.QueryRow(ctx, sqlFindActiveBooking, userID, courseID).Scan(
		&active.BookingID,
		&active.UserID,
		&active.CourseID,
		&active.BookedAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Booking{}, false, nil
		}
		return booking.Booking{}, false, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	return active, true, nil
}

func (store *Store) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := store.runner.QueryRow(ctx, sqlCountActiveByUser, userID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectBooking, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CountActiveByCourse(ctx context.Context, courseID string) (int64, error) {
	var count int64
	if err := store.runner.QueryRow(ctx, sqlCountActiveByCourse, courseID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectBooking, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CreateBooking(ctx context.Context, bookingInput booking.Booking) (booking.Booking, error) {
	err := store.runner.QueryRow(ctx, sqlInsertBooking,
		bookingInput.UserID,
		bookingInput.CourseID,
		bookingInput.BookedAtUnixUTC,
	).Scan(&bookingInput.BookingID)
	if isConstraintViolation(err, constraintActiveBooking) {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrDuplicateBooking)
	}
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	return bookingInput, nil
}

func (store *Store) CancelBooking(ctx context.Context, bookingID string, cancelledAtUnixUTC int64) error {
	tag, err := store.runner.Exec(ctx, sqlCancelBooking, bookingID, cancelledAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCancel, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeCancel, booking.ErrAlreadyCancelled)
	}
	return nil
}

func (store *Store) ListBookingsByUser(ctx context.Context, userID string, limit int) ([]booking.Booking, error) {
	rows, err := store.runner.Query(ctx, sqlListBookingsByUser, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	defer rows.Close()
	bookings := make([]booking.Booking, 0, limit)
	for rows.Next() {
		var row booking.Booking
		if err := rows.Scan(
			&row.BookingID,
			&row.UserID,
			&row.CourseID,
			&row.BookedAtUnixUTC,
			&row.CancelledAtUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
		}
		bookings = append(bookings, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return bookings, nil
}

func (store *Store) CourseUsageByCoach(ctx context.Context, coachUserID string) ([]booking.CourseUsage, error) {
	rows, err := store.runner.Query(ctx, sqlCourseUsageByCoach, coachUserID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCourse, errorCodeUsageByCoach, err)
	}
	defer rows.Close()
	usage := make([]booking.CourseUsage, 0, 8)
	for rows.Next() {
		var row booking.CourseUsage
		if err := rows.Scan(
			&row.CourseID,
			&row.CoachUserID,
			&row.MaxParticipants,
			&row.ActiveBookings,
		); err != nil {
			return nil, wrapStoreError(errorSubjectCourse, errorCodeUsageByCoach, err)
		}
		usage = append(usage, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCourse, errorCodeUsageByCoach, err)
	}
	return usage, nil
}

func wrapStoreError(subject string, code string, err error) error {
	if isUnavailable(err) {
		return booking.WrapError(errorOperationStore, subject, code, booking.ErrStoreUnavailable)
	}
	return booking.WrapError(errorOperationStore, subject, code, err)
}

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
		return pgErr.Code == "40001" || pgErr.Code == "55P03"
	}
	return false
}

func isConstraintViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
