// Package faceverify is the server-side decision authority for face
// check-ins. Each request walks a linear pipeline of precondition checks
// before the biometric comparison runs; failing any step short-circuits to a
// terminal rejection with a distinguishable reason.
package faceverify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"campusattend/internal/attendance"
)

// MatchThreshold is the minimum comparison score accepted as a verified
// identity. Deliberately conservative: a false rejection costs a retry or a
// QR fallback, a false acceptance is proxy attendance.
const MatchThreshold = 0.75

// Comparison is the verdict of the external comparison capability.
type Comparison struct {
	FaceDetected bool
	MatchScore   float64
	SamePerson   bool
	Confidence   string
	Reason       string
}

// Comparer is the external biometric comparison capability. Implementations
// compare a captured image against a stored descriptor.
type Comparer interface {
	Compare(ctx context.Context, imageBase64 string, descriptor json.RawMessage) (Comparison, error)
}

// Store is the storage surface the verifier needs.
type Store interface {
	Descriptor(ctx context.Context, studentID string) (json.RawMessage, error)
	GetSession(ctx context.Context, id string) (*attendance.Session, error)
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	HasRecord(ctx context.Context, sessionID, studentID string) (bool, error)
	InsertRecord(ctx context.Context, rec attendance.Record) (attendance.RecordOutcome, error)
}

// Code identifies the terminal state of a verification attempt.
type Code string

const (
	CodeVerified         Code = "verified"
	CodeNotRegistered    Code = "face_not_registered"
	CodeSessionInactive  Code = "session_not_active"
	CodeNotEnrolled      Code = "not_enrolled"
	CodeAlreadyMarked    Code = "already_marked"
	CodeNoFaceDetected   Code = "no_face_detected"
	CodeBelowThreshold   Code = "below_threshold"
	CodeComparisonFailed Code = "comparison_failed"
)

// Outcome is the structured result of a verification attempt. Expected
// rejections land here rather than in an error; only unexpected storage
// failures surface as errors.
type Outcome struct {
	Verified   bool
	Code       Code
	Message    string
	MatchScore float64
	Confidence string
	// ClassID identifies the session's class, set when verification reaches
	// the recording step.
	ClassID string
}

// Verifier runs the face check-in pipeline.
type Verifier struct {
	store    Store
	comparer Comparer
}

// New creates a verifier.
func New(store Store, comparer Comparer) *Verifier {
	return &Verifier{store: store, comparer: comparer}
}

// Verify compares a captured image against the caller's registered face and
// records attendance when the match clears the threshold. The caller is
// already authenticated; studentID comes from their credential, never the
// request body.
func (v *Verifier) Verify(ctx context.Context, studentID, sessionID, imageBase64 string) (Outcome, error) {
	descriptor, err := v.store.Descriptor(ctx, studentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load descriptor: %w", err)
	}
	if descriptor == nil {
		return Outcome{
			Code:    CodeNotRegistered,
			Message: "Face not registered. Please register your face first.",
		}, nil
	}

	sess, err := v.store.GetSession(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || !sess.IsActive {
		return Outcome{
			Code:    CodeSessionInactive,
			Message: "Session not found or not active",
		}, nil
	}

	enrolled, err := v.store.IsEnrolled(ctx, sess.ClassID, studentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return Outcome{
			Code:    CodeNotEnrolled,
			Message: "You are not enrolled in this class",
		}, nil
	}

	marked, err := v.store.HasRecord(ctx, sessionID, studentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check existing record: %w", err)
	}
	if marked {
		return alreadyMarked(), nil
	}

	cmp, err := v.comparer.Compare(ctx, imageBase64, descriptor)
	if err != nil {
		// Transport or protocol failure to the comparison capability is
		// fatal for this attempt; the student may retry the whole flow.
		log.Printf("face comparison failed for student %s: %v", studentID, err)
		return Outcome{
			Code:    CodeComparisonFailed,
			Message: "Face verification is unavailable right now. Please try again.",
		}, nil
	}

	if !cmp.FaceDetected {
		return Outcome{
			Code:    CodeNoFaceDetected,
			Message: "No face detected in the image. Please ensure your face is clearly visible.",
		}, nil
	}

	if !cmp.SamePerson || cmp.MatchScore < MatchThreshold {
		return Outcome{
			Code: CodeBelowThreshold,
			Message: fmt.Sprintf("Face verification failed. Match score: %.0f%%. Please try again or use QR check-in.",
				cmp.MatchScore*100),
			MatchScore: cmp.MatchScore,
		}, nil
	}

	score := cmp.MatchScore
	outcome, err := v.store.InsertRecord(ctx, attendance.Record{
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		StudentID: studentID,
		Method:    attendance.MethodFace,
		Status:    attendance.StatusPresent,
		Score:     &score,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record attendance: %w", err)
	}
	// A concurrent check-in may have won the insert race; resolve the
	// conflict to the same benign terminal state as the pre-check.
	if outcome == attendance.AlreadyExists {
		return alreadyMarked(), nil
	}

	return Outcome{
		Verified:   true,
		Code:       CodeVerified,
		Message:    "Face verified! Attendance marked successfully.",
		MatchScore: cmp.MatchScore,
		Confidence: cmp.Confidence,
		ClassID:    sess.ClassID,
	}, nil
}

func alreadyMarked() Outcome {
	return Outcome{
		Code:    CodeAlreadyMarked,
		Message: "Attendance already marked for this session",
	}
}
