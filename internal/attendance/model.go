package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Method is how a student's presence was verified.
type Method string

const (
	MethodFace      Method = "face"
	MethodQR        Method = "qr"
	MethodProximity Method = "proximity"
	MethodManual    Method = "manual"
)

// Status is the recorded attendance state.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Session is one open/closed attendance window for a class occurrence.
type Session struct {
	ID        string     `json:"id"`
	ClassID   string     `json:"class_id"`
	QRToken   string     `json:"-"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

// Record is one student's presence for one session. The storage layer
// enforces uniqueness on (SessionID, StudentID).
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ClassID    string    `json:"class_id"`
	StudentID  string    `json:"student_id"`
	Method     Method    `json:"method_used"`
	Status     Status    `json:"status"`
	Score      *float64  `json:"verification_score,omitempty"`
	RecordedAt time.Time `json:"timestamp"`
}

// Class is the subset of class metadata the check-in flows care about.
type Class struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Code         string    `json:"code"`
	Room         string    `json:"room"`
	ProfessorID  string    `json:"professor_id"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	RadiusMeters *float64  `json:"proximity_radius_meters,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Student is a registered student account.
type Student struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	RollNumber   string    `json:"roll_number"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecordOutcome distinguishes a fresh write from a benign duplicate.
type RecordOutcome int

const (
	// Created means a new attendance record was persisted.
	Created RecordOutcome = iota
	// AlreadyExists means a record for (session, student) was already there.
	// Callers must treat this as "already checked in", not a failure.
	AlreadyExists
)

var (
	// ErrSessionNotActive covers unknown, closed and never-opened sessions.
	ErrSessionNotActive = errors.New("session not found or not active")
	// ErrNotEnrolled means the student is not enrolled in the session's class.
	ErrNotEnrolled = errors.New("student not enrolled in this class")
	// ErrBadQRToken means the presented QR token does not match the session.
	ErrBadQRToken = errors.New("invalid or expired QR code")
)

// OutOfRangeError is returned when a device is too far from the classroom.
// It carries the measured distance and tolerance for display to the student.
type OutOfRangeError struct {
	DistanceMeters      float64
	AllowedRadiusMeters float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("too far from classroom: %.0fm away, must be within %.0fm",
		e.DistanceMeters, e.AllowedRadiusMeters)
}
