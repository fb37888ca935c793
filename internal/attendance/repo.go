package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"campusattend/internal/geo"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// isUniqueViolation reports whether err is a Postgres 23505 duplicate-key
// conflict, the guard behind the at-most-one-record-per-student invariant.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetStudentByEmail returns a student account, or nil when absent.
func (r *Repository) GetStudentByEmail(ctx context.Context, email string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, name, roll_number, role, password_hash, created_at
		FROM students WHERE email = $1
	`, email)
	var s Student
	if err := row.Scan(&s.ID, &s.Email, &s.Name, &s.RollNumber, &s.Role, &s.PasswordHash, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, studentID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (student_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, studentID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// RefreshTokenActive reports whether a token was issued here, has not been
// revoked by rotation and has not expired.
func (r *Repository) RefreshTokenActive(ctx context.Context, token string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM refresh_tokens
			WHERE token = $1 AND NOT revoked AND expires_at > NOW()
		)
	`, token)
	var active bool
	err := row.Scan(&active)
	return active, err
}

// CreateClass inserts a class owned by a professor.
func (r *Repository) CreateClass(ctx context.Context, cls Class) (Class, error) {
	if cls.ID == "" {
		cls.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO classes (id, subject, code, room, professor_id, latitude, longitude, proximity_radius_meters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`, cls.ID, cls.Subject, cls.Code, cls.Room, cls.ProfessorID, cls.Latitude, cls.Longitude, cls.RadiusMeters)
	if err := row.Scan(&cls.CreatedAt); err != nil {
		return Class{}, err
	}
	return cls, nil
}

// GetClass returns a class by id, or nil when absent.
func (r *Repository) GetClass(ctx context.Context, id string) (*Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject, code, room, professor_id, latitude, longitude, proximity_radius_meters, created_at
		FROM classes WHERE id = $1
	`, id)
	var cls Class
	if err := row.Scan(&cls.ID, &cls.Subject, &cls.Code, &cls.Room, &cls.ProfessorID,
		&cls.Latitude, &cls.Longitude, &cls.RadiusMeters, &cls.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cls, nil
}

// SetClassLocation registers or updates a classroom's reference coordinates.
func (r *Repository) SetClassLocation(ctx context.Context, classID string, lat, lon, radius *float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE classes
		SET latitude = $2, longitude = $3, proximity_radius_meters = $4
		WHERE id = $1
	`, classID, lat, lon, radius)
	return err
}

// ClassLocation fetches the registered classroom coordinates for a class.
func (r *Repository) ClassLocation(ctx context.Context, classID string) (geo.ClassLocation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, proximity_radius_meters FROM classes WHERE id = $1
	`, classID)
	var loc geo.ClassLocation
	if err := row.Scan(&loc.Latitude, &loc.Longitude, &loc.RadiusMeters); err != nil {
		return geo.ClassLocation{}, err
	}
	return loc, nil
}

// Enroll adds a student to a class; enrolling twice is a no-op.
func (r *Repository) Enroll(ctx context.Context, classID, studentID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO class_enrollments (class_id, student_id)
		VALUES ($1, $2)
		ON CONFLICT (class_id, student_id) DO NOTHING
	`, classID, studentID)
	return err
}

// IsEnrolled reports whether a student is enrolled in a class.
func (r *Repository) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM class_enrollments WHERE class_id = $1 AND student_id = $2)
	`, classID, studentID)
	var enrolled bool
	err := row.Scan(&enrolled)
	return enrolled, err
}

// CreateSession opens an attendance window for a class.
func (r *Repository) CreateSession(ctx context.Context, classID, qrToken string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		ClassID:   classID,
		QRToken:   qrToken,
		StartedAt: time.Now().UTC(),
		IsActive:  true,
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (id, class_id, qr_token, started_at, is_active)
		VALUES ($1,$2,$3,$4,TRUE)
		RETURNING created_at
	`, sess.ID, sess.ClassID, sess.QRToken, sess.StartedAt)
	if err := row.Scan(&sess.CreatedAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession returns a session by id, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, qr_token, started_at, ended_at, is_active, created_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.ClassID, &sess.QRToken, &sess.StartedAt,
		&sess.EndedAt, &sess.IsActive, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// EndSession closes an attendance window.
func (r *Repository) EndSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET is_active = FALSE, ended_at = NOW()
		WHERE id = $1 AND is_active = TRUE
	`, id)
	return err
}

// ListActiveSessions returns currently open sessions, newest first.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, qr_token, started_at, ended_at, is_active, created_at
		FROM attendance_sessions
		WHERE is_active = TRUE
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ClassID, &sess.QRToken, &sess.StartedAt,
			&sess.EndedAt, &sess.IsActive, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// HasRecord reports whether attendance is already recorded for the pair.
func (r *Repository) HasRecord(ctx context.Context, sessionID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

// InsertRecord writes an attendance record. A duplicate (session, student)
// insert resolves to AlreadyExists; any other storage error propagates.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (RecordOutcome, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, class_id, student_id, method_used, status, verification_score, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.SessionID, rec.ClassID, rec.StudentID, rec.Method, rec.Status, rec.Score, rec.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return AlreadyExists, nil
		}
		return 0, err
	}
	return Created, nil
}

// ListSessionRecords returns all records for a session, oldest first.
func (r *Repository) ListSessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, class_id, student_id, method_used, status, verification_score, recorded_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ClassID, &rec.StudentID,
			&rec.Method, &rec.Status, &rec.Score, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Descriptor returns a student's stored face descriptor, or nil when the
// student never registered a face.
func (r *Repository) Descriptor(ctx context.Context, studentID string) (json.RawMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT features FROM face_descriptors WHERE student_id = $1
	`, studentID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// SaveDescriptor stores a student's face descriptor, replacing any previous
// registration.
func (r *Repository) SaveDescriptor(ctx context.Context, studentID string, features json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO face_descriptors (student_id, features)
		VALUES ($1, $2)
		ON CONFLICT (student_id) DO UPDATE SET features = EXCLUDED.features, updated_at = NOW()
	`, studentID, []byte(features))
	return err
}
