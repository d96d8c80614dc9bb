package booking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// stubStore is an in-memory Store whose WithTx holds one mutex for the whole
// closure, giving each transaction the serializable isolation the real
// backends provide. All mutations in tests go through WithTx.
type stubStore struct {
	mu sync.Mutex
	stubTx
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		stubTx: stubTx{
			accounts:  make(map[string]string),
			courses:   make(map[string]Course),
			grantKeys: make(map[string]struct{}),
		},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, &store.stubTx)
}

func (store *stubStore) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.GetOrCreateAccountID(ctx, userID)
}

func (store *stubStore) GetCourse(ctx context.Context, courseID string) (Course, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.GetCourse(ctx, courseID)
}

func (store *stubStore) GetCourseForUpdate(ctx context.Context, courseID string) (Course, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.GetCourseForUpdate(ctx, courseID)
}

func (store *stubStore) UpsertCourse(ctx context.Context, course Course) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.UpsertCourse(ctx, course)
}

func (store *stubStore) InsertGrant(ctx context.Context, grant CreditGrant) (CreditGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.InsertGrant(ctx, grant)
}

func (store *stubStore) SumGrantedCredits(ctx context.Context, userID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.SumGrantedCredits(ctx, userID)
}

func (store *stubStore) ListGrants(ctx context.Context, userID string, limit int) ([]CreditGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.ListGrants(ctx, userID, limit)
}

func (store *stubStore) FindActiveBooking(ctx context.Context, userID string, courseID string) (Booking, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.FindActiveBooking(ctx, userID, courseID)
}

func (store *stubStore) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.CountActiveByUser(ctx, userID)
}

func (store *stubStore) CountActiveByCourse(ctx context.Context, courseID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.CountActiveByCourse(ctx, courseID)
}

func (store *stubStore) CreateBooking(ctx context.Context, bookingInput Booking) (Booking, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.CreateBooking(ctx, bookingInput)
}

func (store *stubStore) CancelBooking(ctx context.Context, bookingID string, cancelledAtUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.CancelBooking(ctx, bookingID, cancelledAtUnixUTC)
}

func (store *stubStore) ListBookingsByUser(ctx context.Context, userID string, limit int) ([]Booking, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.ListBookingsByUser(ctx, userID, limit)
}

func (store *stubStore) CourseUsageByCoach(ctx context.Context, coachUserID string) ([]CourseUsage, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.stubTx.CourseUsageByCoach(ctx, coachUserID)
}

// stubTx holds the data and runs without locking; it is only reached while
// stubStore's mutex is held.
type stubTx struct {
	accounts  map[string]string
	courses   map[string]Course
	grants    []CreditGrant
	grantKeys map[string]struct{}
	bookings  []Booking
	sequence  int
}

func (tx *stubTx) nextID(prefix string) string {
	tx.sequence++
	return fmt.Sprintf("%s-%d", prefix, tx.sequence)
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetOrCreateAccountID(_ context.Context, userID string) (string, error) {
	if accountID, ok := tx.accounts[userID]; ok {
		return accountID, nil
	}
	accountID := tx.nextID("acct")
	tx.accounts[userID] = accountID
	return accountID, nil
}

func (tx *stubTx) GetCourse(_ context.Context, courseID string) (Course, error) {
	course, ok := tx.courses[courseID]
	if !ok {
		return Course{}, ErrCourseNotFound
	}
	return course, nil
}

func (tx *stubTx) GetCourseForUpdate(ctx context.Context, courseID string) (Course, error) {
	return tx.GetCourse(ctx, courseID)
}

func (tx *stubTx) UpsertCourse(_ context.Context, course Course) error {
	tx.courses[course.CourseID] = course
	return nil
}

func (tx *stubTx) InsertGrant(_ context.Context, grant CreditGrant) (CreditGrant, error) {
	if grant.IdempotencyKey != "" {
		if _, exists := tx.grantKeys[grant.IdempotencyKey]; exists {
			return CreditGrant{}, ErrDuplicateGrant
		}
		tx.grantKeys[grant.IdempotencyKey] = struct{}{}
	}
	grant.GrantID = tx.nextID("grant")
	tx.grants = append(tx.grants, grant)
	return grant, nil
}

func (tx *stubTx) SumGrantedCredits(_ context.Context, userID string) (int64, error) {
	var sum int64
	for _, grant := range tx.grants {
		if grant.UserID == userID {
			sum += grant.Credits
		}
	}
	return sum, nil
}

func (tx *stubTx) ListGrants(_ context.Context, userID string, limit int) ([]CreditGrant, error) {
	out := make([]CreditGrant, 0, limit)
	for index := len(tx.grants) - 1; index >= 0 && len(out) < limit; index-- {
		if tx.grants[index].UserID == userID {
			out = append(out, tx.grants[index])
		}
	}
	return out, nil
}

func (tx *stubTx) FindActiveBooking(_ context.Context, userID string, courseID string) (Booking, bool, error) {
	for _, row := range tx.bookings {
		if row.UserID == userID && row.CourseID == courseID && row.Active() {
			return row, true, nil
		}
	}
	return Booking{}, false, nil
}

func (tx *stubTx) CountActiveByUser(_ context.Context, userID string) (int64, error) {
	var count int64
	for _, row := range tx.bookings {
		if row.UserID == userID && row.Active() {
			count++
		}
	}
	return count, nil
}

func (tx *stubTx) CountActiveByCourse(_ context.Context, courseID string) (int64, error) {
	var count int64
	for _, row := range tx.bookings {
		if row.CourseID == courseID && row.Active() {
			count++
		}
	}
	return count, nil
}

func (tx *stubTx) CreateBooking(ctx context.Context, bookingInput Booking) (Booking, error) {
	// Mirrors the partial unique index on active (user, course) pairs.
	if _, exists, err := tx.FindActiveBooking(ctx, bookingInput.UserID, bookingInput.CourseID); err != nil {
		return Booking{}, err
	} else if exists {
		return Booking{}, ErrDuplicateBooking
	}
	bookingInput.BookingID = tx.nextID("booking")
	tx.bookings = append(tx.bookings, bookingInput)
	return bookingInput, nil
}

func (tx *stubTx) CancelBooking(_ context.Context, bookingID string, cancelledAtUnixUTC int64) error {
	for index := range tx.bookings {
		if tx.bookings[index].BookingID != bookingID {
			continue
		}
		if !tx.bookings[index].Active() {
			return ErrAlreadyCancelled
		}
		tx.bookings[index].CancelledAtUnixUTC = cancelledAtUnixUTC
		return nil
	}
	return ErrBookingNotFound
}

func (tx *stubTx) ListBookingsByUser(_ context.Context, userID string, limit int) ([]Booking, error) {
	out := make([]Booking, 0, limit)
	for index := len(tx.bookings) - 1; index >= 0 && len(out) < limit; index-- {
		if tx.bookings[index].UserID == userID {
			out = append(out, tx.bookings[index])
		}
	}
	return out, nil
}

func (tx *stubTx) CourseUsageByCoach(ctx context.Context, coachUserID string) ([]CourseUsage, error) {
	out := make([]CourseUsage, 0)
	for _, course := range tx.courses {
		if course.CoachUserID != coachUserID {
			continue
		}
		active, err := tx.CountActiveByCourse(ctx, course.CourseID)
		if err != nil {
			return nil, err
		}
		out = append(out, CourseUsage{
			CourseID:        course.CourseID,
			CoachUserID:     course.CoachUserID,
			ActiveBookings:  active,
			MaxParticipants: course.MaxParticipants,
		})
	}
	return out, nil
}

// failingStore returns a fixed error from every mutation, for exercising
// error propagation and logging.
type failingStore struct {
	Store
	err error
}

func newFailingStore(err error) *failingStore {
	return &failingStore{err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) UpsertCourse(context.Context, Course) error {
	return store.err
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustCourseID(test *testing.T, raw string) CourseID {
	test.Helper()
	value, err := NewCourseID(raw)
	if err != nil {
		test.Fatalf("course id: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustPrice(test *testing.T, raw int64) PriceCents {
	test.Helper()
	value, err := NewPriceCents(raw)
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustSyncCourse(test *testing.T, service *Service, courseID string, coachUserID string, maxParticipants int64) {
	test.Helper()
	err := service.SyncCourse(context.Background(), Course{
		CourseID:        courseID,
		CoachUserID:     coachUserID,
		MaxParticipants: maxParticipants,
	})
	if err != nil {
		test.Fatalf("sync course %s: %v", courseID, err)
	}
}

var grantKeySequence atomic.Int64

func mustGrant(test *testing.T, service *Service, userID string, credits int64) {
	test.Helper()
	_, err := service.GrantCredits(
		context.Background(),
		mustUserID(test, userID),
		mustCredits(test, credits),
		mustPrice(test, credits*1000),
		mustIdempotencyKey(test, fmt.Sprintf("grant-%s-%d", userID, grantKeySequence.Add(1))),
		mustMetadata(test, "{}"),
	)
	if err != nil {
		test.Fatalf("grant %d credits to %s: %v", credits, userID, err)
	}
}
