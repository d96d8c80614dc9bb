package booking

import "context"

// Read-side aggregation. These queries compute derived quantities from the
// append-only grants and the booking rows on demand; nothing here enforces
// invariants and nothing here may substitute for the admission checks.

// CreditSummary returns granted, used, and remaining credits for a user.
func (service *Service) CreditSummary(ctx context.Context, userID UserID) (CreditSummary, error) {
	granted, err := service.store.SumGrantedCredits(ctx, userID.String())
	if err != nil {
		return CreditSummary{}, err
	}
	used, err := service.store.CountActiveByUser(ctx, userID.String())
	if err != nil {
		return CreditSummary{}, err
	}
	return CreditSummary{
		GrantedCredits:   granted,
		UsedCredits:      used,
		RemainingCredits: granted - used,
	}, nil
}

// CourseSeats returns the active booking count and capacity for a course.
func (service *Service) CourseSeats(ctx context.Context, courseID CourseID) (CourseUsage, error) {
	course, err := service.store.GetCourse(ctx, courseID.String())
	if err != nil {
		return CourseUsage{}, err
	}
	active, err := service.store.CountActiveByCourse(ctx, courseID.String())
	if err != nil {
		return CourseUsage{}, err
	}
	return CourseUsage{
		CourseID:        course.CourseID,
		CoachUserID:     course.CoachUserID,
		ActiveBookings:  active,
		MaxParticipants: course.MaxParticipants,
	}, nil
}

// CoachUsage aggregates active bookings across all courses of one coach.
func (service *Service) CoachUsage(ctx context.Context, coachUserID UserID) (CoachUsage, error) {
	courses, err := service.store.CourseUsageByCoach(ctx, coachUserID.String())
	if err != nil {
		return CoachUsage{}, err
	}
	usage := CoachUsage{
		CoachUserID: coachUserID.String(),
		Courses:     courses,
	}
	for _, course := range courses {
		usage.ActiveBookings += course.ActiveBookings
	}
	return usage, nil
}

// ListGrants lists a user's purchase history, newest first.
func (service *Service) ListGrants(ctx context.Context, userID UserID, limit int) ([]CreditGrant, error) {
	return service.store.ListGrants(ctx, userID.String(), limit)
}

// ListBookings lists a user's bookings, newest first, cancelled included.
func (service *Service) ListBookings(ctx context.Context, userID UserID, limit int) ([]Booking, error) {
	return service.store.ListBookingsByUser(ctx, userID.String(), limit)
}
