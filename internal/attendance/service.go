package attendance

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"campusattend/internal/geo"
)

// Store is the storage surface the check-in flows need. *Repository
// implements it; tests substitute fakes.
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	ClassLocation(ctx context.Context, classID string) (geo.ClassLocation, error)
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	InsertRecord(ctx context.Context, rec Record) (RecordOutcome, error)
}

// CheckInResult is a successful (or already-recorded) check-in.
type CheckInResult struct {
	Outcome   RecordOutcome
	SessionID string
	ClassID   string
	Method    Method
	// Score is the verification score persisted with the record, nil for
	// methods that carry none.
	Score *float64
	// Proximity details, populated by the proximity flow only.
	Unverified          bool
	DistanceMeters      float64
	AllowedRadiusMeters float64
}

// Service coordinates the proximity and QR check-in flows.
type Service struct {
	store Store
}

// NewService creates a service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// activeSession resolves a session id to an open session and confirms the
// student is enrolled in its class. Both flows share these preconditions.
func (s *Service) activeSession(ctx context.Context, sessionID, studentID string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || !sess.IsActive {
		return nil, ErrSessionNotActive
	}
	enrolled, err := s.store.IsEnrolled(ctx, sess.ClassID, studentID)
	if err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return nil, ErrNotEnrolled
	}
	return sess, nil
}

// ProximityCheckIn verifies a device reading against the classroom's
// registered location and records attendance when it passes. A classroom with
// no coordinates degrades to an unverified check-in instead of failing.
// Out-of-range readings return *OutOfRangeError with the measured distance.
func (s *Service) ProximityCheckIn(ctx context.Context, studentID, sessionID string, dev geo.DeviceLocation) (CheckInResult, error) {
	sess, err := s.activeSession(ctx, sessionID, studentID)
	if err != nil {
		return CheckInResult{}, err
	}

	loc, err := s.store.ClassLocation(ctx, sess.ClassID)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("load class location: %w", err)
	}

	eval := geo.Evaluate(dev, loc)
	if !eval.Allowed {
		return CheckInResult{}, &OutOfRangeError{
			DistanceMeters:      eval.DistanceMeters,
			AllowedRadiusMeters: eval.AllowedRadiusMeters,
		}
	}

	score := eval.Score
	outcome, err := s.store.InsertRecord(ctx, Record{
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		StudentID: studentID,
		Method:    MethodProximity,
		Status:    StatusPresent,
		Score:     &score,
	})
	if err != nil {
		return CheckInResult{}, fmt.Errorf("record attendance: %w", err)
	}

	return CheckInResult{
		Outcome:             outcome,
		SessionID:           sess.ID,
		ClassID:             sess.ClassID,
		Method:              MethodProximity,
		Score:               &score,
		Unverified:          eval.Unverified,
		DistanceMeters:      eval.DistanceMeters,
		AllowedRadiusMeters: eval.AllowedRadiusMeters,
	}, nil
}

// QRCheckIn records attendance for a student who scanned the session's QR
// code. The token comparison is constant-time.
func (s *Service) QRCheckIn(ctx context.Context, studentID, sessionID, token string) (CheckInResult, error) {
	sess, err := s.activeSession(ctx, sessionID, studentID)
	if err != nil {
		return CheckInResult{}, err
	}

	if token == "" || subtle.ConstantTimeCompare([]byte(sess.QRToken), []byte(token)) != 1 {
		return CheckInResult{}, ErrBadQRToken
	}

	outcome, err := s.store.InsertRecord(ctx, Record{
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		StudentID: studentID,
		Method:    MethodQR,
		Status:    StatusPresent,
	})
	if err != nil {
		return CheckInResult{}, fmt.Errorf("record attendance: %w", err)
	}

	return CheckInResult{
		Outcome:   outcome,
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		Method:    MethodQR,
	}, nil
}

// ManualMark lets a professor record attendance on a student's behalf.
func (s *Service) ManualMark(ctx context.Context, studentID, sessionID string, status Status) (CheckInResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || !sess.IsActive {
		return CheckInResult{}, ErrSessionNotActive
	}
	if status != StatusPresent && status != StatusLate && status != StatusAbsent {
		return CheckInResult{}, errors.New("invalid status")
	}

	outcome, err := s.store.InsertRecord(ctx, Record{
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		StudentID: studentID,
		Method:    MethodManual,
		Status:    status,
	})
	if err != nil {
		return CheckInResult{}, fmt.Errorf("record attendance: %w", err)
	}
	return CheckInResult{
		Outcome:   outcome,
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		Method:    MethodManual,
	}, nil
}
