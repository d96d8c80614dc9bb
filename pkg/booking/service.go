package booking

import (
	"context"
	"fmt"
)

// Service contains the admission and ledger logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GrantCredits appends an immutable purchase record to the ledger.
// The ledger has no update or delete path; a correction is an offsetting grant.
func (service *Service) GrantCredits(ctx context.Context, userID UserID, credits CreditAmount, pricePaid PriceCents, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CreditGrant, error) {
	var grant CreditGrant
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccountID(ctx, userID.String()); err != nil {
			return err
		}
		created, err := transactionStore.InsertGrant(ctx, CreditGrant{
			UserID:           userID.String(),
			Credits:          credits.Int64(),
			PricePaidCents:   pricePaid.Int64(),
			IdempotencyKey:   idempotencyKey.String(),
			MetadataJSON:     metadata.String(),
			GrantedAtUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		grant = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Credits:   credits.Int64(),
		Error:     operationError,
	})
	return grant, operationError
}

// BookCourse admits a user into a course if and only if there is no active
// duplicate booking, the user has remaining credit, and the course has a
// free seat. All checks and the insert run inside one transaction; locks
// are taken in a fixed order (course row, then account row) so concurrent
// admissions for the same course or the same user serialize instead of
// racing past the checks.
func (service *Service) BookCourse(ctx context.Context, userID UserID, courseID CourseID) (Booking, error) {
	var booked Booking
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		course, err := transactionStore.GetCourseForUpdate(ctx, courseID.String())
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccountID(ctx, userID.String()); err != nil {
			return err
		}
		if _, found, err := transactionStore.FindActiveBooking(ctx, userID.String(), courseID.String()); err != nil {
			return err
		} else if found {
			return ErrDuplicateBooking
		}
		granted, err := transactionStore.SumGrantedCredits(ctx, userID.String())
		if err != nil {
			return err
		}
		used, err := transactionStore.CountActiveByUser(ctx, userID.String())
		if err != nil {
			return err
		}
		if granted-used <= 0 {
			return ErrInsufficientCredit
		}
		active, err := transactionStore.CountActiveByCourse(ctx, courseID.String())
		if err != nil {
			return err
		}
		if active >= course.MaxParticipants {
			return ErrCourseFull
		}
		created, err := transactionStore.CreateBooking(ctx, Booking{
			UserID:          userID.String(),
			CourseID:        courseID.String(),
			BookedAtUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		booked = created
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBook,
		UserID:    userID,
		CourseID:  courseID,
		BookingID: booked.BookingID,
		Error:     operationError,
	})
	return booked, operationError
}

// CancelBooking cancels the caller's active booking for a course. The
// cancellation is a compare-and-set on the null cancellation timestamp; a
// concurrent cancel loses the race and fails with ErrAlreadyCancelled,
// never double-crediting the user. Cancelling restores one unit of usable
// credit implicitly, since remaining credit is derived from active bookings.
func (service *Service) CancelBooking(ctx context.Context, userID UserID, courseID CourseID) (Booking, error) {
	var cancelled Booking
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		active, found, err := transactionStore.FindActiveBooking(ctx, userID.String(), courseID.String())
		if err != nil {
			return err
		}
		if !found {
			return ErrBookingNotFound
		}
		cancelledAt := service.nowFn()
		if err := transactionStore.CancelBooking(ctx, active.BookingID, cancelledAt); err != nil {
			return err
		}
		active.CancelledAtUnixUTC = cancelledAt
		cancelled = active
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancel,
		UserID:    userID,
		CourseID:  courseID,
		BookingID: cancelled.BookingID,
		Error:     operationError,
	})
	return cancelled, operationError
}

// SyncCourse upserts a course capacity snapshot received from the course
// metadata collaborator. The core never edits course metadata beyond this.
func (service *Service) SyncCourse(ctx context.Context, course Course) error {
	if course.CourseID == "" {
		return fmt.Errorf("%w: empty course id", ErrInvalidCourseSnapshot)
	}
	if course.CoachUserID == "" {
		return fmt.Errorf("%w: empty coach user id", ErrInvalidCourseSnapshot)
	}
	if course.MaxParticipants <= 0 {
		return fmt.Errorf("%w: max participants must be greater than zero", ErrInvalidCourseSnapshot)
	}
	operationError := service.store.UpsertCourse(ctx, course)
	service.logOperation(ctx, OperationLog{
		Operation: operationSyncCourse,
		CourseID:  CourseID{value: course.CourseID},
		Error:     operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
