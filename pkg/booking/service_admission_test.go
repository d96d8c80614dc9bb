package booking

import (
	"context"
	"errors"
	"testing"
)

func TestBookCourseAdmitsUserWithCreditAndSeat(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 10)
	mustGrant(test, service, "user-1", 1)

	booked, err := service.BookCourse(context.Background(), mustUserID(test, "user-1"), mustCourseID(test, "yoga-101"))
	if err != nil {
		test.Fatalf("book: %v", err)
	}
	if booked.BookingID == "" {
		test.Fatalf("expected booking id to be assigned")
	}
	if booked.CourseID != "yoga-101" || booked.UserID != "user-1" {
		test.Fatalf("unexpected booking: %+v", booked)
	}
	if !booked.Active() {
		test.Fatalf("expected new booking to be active")
	}
	if booked.BookedAtUnixUTC != 100 {
		test.Fatalf("expected clock timestamp 100, got %d", booked.BookedAtUnixUTC)
	}
}

func TestBookCourseRejectsDuplicateActiveBooking(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 10)
	mustGrant(test, service, "user-1", 5)
	userID := mustUserID(test, "user-1")
	courseID := mustCourseID(test, "yoga-101")

	if _, err := service.BookCourse(context.Background(), userID, courseID); err != nil {
		test.Fatalf("first book: %v", err)
	}
	_, err := service.BookCourse(context.Background(), userID, courseID)
	if !errors.Is(err, ErrDuplicateBooking) {
		test.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
	count, err := store.CountActiveByCourse(context.Background(), "yoga-101")
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected 1 active booking, got %d", count)
	}
}

func TestBookCourseRejectsWithoutCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 10)

	_, err := service.BookCourse(context.Background(), mustUserID(test, "user-broke"), mustCourseID(test, "yoga-101"))
	if !errors.Is(err, ErrInsufficientCredit) {
		test.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
}

func TestBookCourseSpendsOneCreditPerActiveBooking(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	for _, courseID := range []string{"c-1", "c-2", "c-3", "c-4"} {
		mustSyncCourse(test, service, courseID, "coach-1", 10)
	}
	mustGrant(test, service, "user-1", 3)
	userID := mustUserID(test, "user-1")

	for _, courseID := range []string{"c-1", "c-2", "c-3"} {
		if _, err := service.BookCourse(context.Background(), userID, mustCourseID(test, courseID)); err != nil {
			test.Fatalf("book %s: %v", courseID, err)
		}
	}
	_, err := service.BookCourse(context.Background(), userID, mustCourseID(test, "c-4"))
	if !errors.Is(err, ErrInsufficientCredit) {
		test.Fatalf("expected ErrInsufficientCredit on fourth booking, got %v", err)
	}

	// Cancelling one booking frees a credit for the fourth course.
	if _, err := service.CancelBooking(context.Background(), userID, mustCourseID(test, "c-1")); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if _, err := service.BookCourse(context.Background(), userID, mustCourseID(test, "c-4")); err != nil {
		test.Fatalf("retry fourth booking after cancel: %v", err)
	}
}

func TestBookCourseRejectsWhenCourseFull(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "small-class", "coach-1", 1)
	mustGrant(test, service, "user-a", 1)
	mustGrant(test, service, "user-b", 1)
	courseID := mustCourseID(test, "small-class")

	if _, err := service.BookCourse(context.Background(), mustUserID(test, "user-a"), courseID); err != nil {
		test.Fatalf("book user-a: %v", err)
	}
	_, err := service.BookCourse(context.Background(), mustUserID(test, "user-b"), courseID)
	if !errors.Is(err, ErrCourseFull) {
		test.Fatalf("expected ErrCourseFull for user-b, got %v", err)
	}
}

func TestBookCourseUnknownCourse(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustGrant(test, service, "user-1", 1)

	_, err := service.BookCourse(context.Background(), mustUserID(test, "user-1"), mustCourseID(test, "ghost-course"))
	if !errors.Is(err, ErrCourseNotFound) {
		test.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
}

func TestDuplicateCheckPrecedesCreditCheck(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 10)
	mustGrant(test, service, "user-1", 1)
	userID := mustUserID(test, "user-1")
	courseID := mustCourseID(test, "yoga-101")

	if _, err := service.BookCourse(context.Background(), userID, courseID); err != nil {
		test.Fatalf("first book: %v", err)
	}
	// The user now has zero remaining credit, but rebooking the same course
	// must still report the duplicate, not the credit shortage.
	_, err := service.BookCourse(context.Background(), userID, courseID)
	if !errors.Is(err, ErrDuplicateBooking) {
		test.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
}

func TestCancelThenRebookSameCourse(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 10)
	mustGrant(test, service, "user-1", 1)
	userID := mustUserID(test, "user-1")
	courseID := mustCourseID(test, "yoga-101")

	first, err := service.BookCourse(context.Background(), userID, courseID)
	if err != nil {
		test.Fatalf("book: %v", err)
	}
	cancelled, err := service.CancelBooking(context.Background(), userID, courseID)
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if cancelled.BookingID != first.BookingID {
		test.Fatalf("cancelled wrong booking: %+v", cancelled)
	}
	second, err := service.BookCourse(context.Background(), userID, courseID)
	if err != nil {
		test.Fatalf("rebook after cancel: %v", err)
	}
	if second.BookingID == first.BookingID {
		test.Fatalf("expected a fresh booking row, got the old id %s", second.BookingID)
	}
}

func TestGrantCreditsRecordsImmutablePurchase(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	grant, err := service.GrantCredits(
		context.Background(),
		mustUserID(test, "buyer-1"),
		mustCredits(test, 10),
		mustPrice(test, 9900),
		mustIdempotencyKey(test, "order-555"),
		mustMetadata(test, `{"package":"ten-pack"}`),
	)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if grant.GrantID == "" {
		test.Fatalf("expected grant id to be assigned")
	}
	if grant.Credits != 10 || grant.PricePaidCents != 9900 {
		test.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.GrantedAtUnixUTC != 100 {
		test.Fatalf("expected clock timestamp 100, got %d", grant.GrantedAtUnixUTC)
	}
}

func TestGrantCreditsRejectsReplayedIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer-1")
	key := mustIdempotencyKey(test, "order-777")
	metadata := mustMetadata(test, "{}")

	if _, err := service.GrantCredits(context.Background(), userID, mustCredits(test, 5), mustPrice(test, 5000), key, metadata); err != nil {
		test.Fatalf("first grant: %v", err)
	}
	_, err := service.GrantCredits(context.Background(), userID, mustCredits(test, 5), mustPrice(test, 5000), key, metadata)
	if !errors.Is(err, ErrDuplicateGrant) {
		test.Fatalf("expected ErrDuplicateGrant, got %v", err)
	}
	granted, err := store.SumGrantedCredits(context.Background(), "buyer-1")
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if granted != 5 {
		test.Fatalf("expected 5 granted credits after replay, got %d", granted)
	}
}

func TestSyncCourseValidatesSnapshot(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	cases := []struct {
		name   string
		course Course
	}{
		{name: "empty course id", course: Course{CoachUserID: "coach-1", MaxParticipants: 5}},
		{name: "empty coach id", course: Course{CourseID: "c-1", MaxParticipants: 5}},
		{name: "zero capacity", course: Course{CourseID: "c-1", CoachUserID: "coach-1"}},
		{name: "negative capacity", course: Course{CourseID: "c-1", CoachUserID: "coach-1", MaxParticipants: -3}},
	}
	for _, testCase := range cases {
		if err := service.SyncCourse(context.Background(), testCase.course); !errors.Is(err, ErrInvalidCourseSnapshot) {
			test.Fatalf("%s: expected ErrInvalidCourseSnapshot, got %v", testCase.name, err)
		}
	}
}

func TestSyncCourseUpdatesCapacity(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 5)
	mustSyncCourse(test, service, "yoga-101", "coach-1", 8)

	course, err := store.GetCourse(context.Background(), "yoga-101")
	if err != nil {
		test.Fatalf("get course: %v", err)
	}
	if course.MaxParticipants != 8 {
		test.Fatalf("expected capacity 8 after resync, got %d", course.MaxParticipants)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(test), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}
