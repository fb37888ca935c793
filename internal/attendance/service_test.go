package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/geo"
)

func f64(v float64) *float64 { return &v }

// fakeStore enforces the same (session, student) uniqueness the real schema
// does, so service tests exercise the duplicate contract end to end.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	enrolled map[string]bool // classID|studentID
	location geo.ClassLocation
	records  map[string]Record // sessionID|studentID
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*Session),
		enrolled: make(map[string]bool),
		records:  make(map[string]Record),
	}
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}

func (f *fakeStore) ClassLocation(_ context.Context, _ string) (geo.ClassLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *fakeStore) IsEnrolled(_ context.Context, classID, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrolled[classID+"|"+studentID], nil
}

func (f *fakeStore) InsertRecord(_ context.Context, rec Record) (RecordOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	key := rec.SessionID + "|" + rec.StudentID
	if _, ok := f.records[key]; ok {
		return AlreadyExists, nil
	}
	f.records[key] = rec
	return Created, nil
}

func setupStore() *fakeStore {
	st := newFakeStore()
	st.sessions["sess-1"] = &Session{ID: "sess-1", ClassID: "class-1", IsActive: true, QRToken: "tok-secret"}
	st.sessions["sess-closed"] = &Session{ID: "sess-closed", ClassID: "class-1", IsActive: false}
	st.enrolled["class-1|student-1"] = true
	st.location = geo.ClassLocation{Latitude: f64(12.9716), Longitude: f64(77.5946), RadiusMeters: f64(50)}
	return st
}

func TestProximityCheckInAtCenter(t *testing.T) {
	st := setupStore()
	svc := NewService(st)

	res, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1",
		geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946, AccuracyMeters: 10})
	require.NoError(t, err)

	assert.Equal(t, Created, res.Outcome)
	assert.Equal(t, MethodProximity, res.Method)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 1.0, *res.Score, 1e-9)

	rec := st.records["sess-1|student-1"]
	assert.Equal(t, MethodProximity, rec.Method)
	assert.Equal(t, StatusPresent, rec.Status)
}

func TestProximityCheckInOutOfRange(t *testing.T) {
	st := setupStore()
	svc := NewService(st)

	// ~80m north of the classroom.
	_, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1",
		geo.DeviceLocation{Latitude: 12.9716 + 80.0/111194.9, Longitude: 77.5946})

	var oor *OutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.InDelta(t, 80, oor.DistanceMeters, 1.0)
	assert.Equal(t, 50.0, oor.AllowedRadiusMeters)
	assert.Empty(t, st.records, "no record on rejection")
}

func TestProximityCheckInUnverifiedLocation(t *testing.T) {
	st := setupStore()
	st.location = geo.ClassLocation{}
	svc := NewService(st)

	res, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1",
		geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946, AccuracyMeters: 15})
	require.NoError(t, err)

	assert.True(t, res.Unverified)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 0.85, *res.Score, 1e-9)
}

func TestProximityCheckInSessionGone(t *testing.T) {
	svc := NewService(setupStore())

	for _, id := range []string{"sess-closed", "no-such-session"} {
		_, err := svc.ProximityCheckIn(context.Background(), "student-1", id,
			geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946})
		assert.ErrorIs(t, err, ErrSessionNotActive, id)
	}
}

func TestProximityCheckInNotEnrolled(t *testing.T) {
	svc := NewService(setupStore())

	_, err := svc.ProximityCheckIn(context.Background(), "stranger", "sess-1",
		geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946})
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestProximityCheckInDuplicateIsBenign(t *testing.T) {
	st := setupStore()
	svc := NewService(st)
	dev := geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946, AccuracyMeters: 10}

	first, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1", dev)
	require.NoError(t, err)
	assert.Equal(t, Created, first.Outcome)

	second, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1", dev)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, second.Outcome)
	assert.Len(t, st.records, 1)
}

func TestConcurrentCheckInsYieldOneRecord(t *testing.T) {
	st := setupStore()
	svc := NewService(st)
	dev := geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946, AccuracyMeters: 10}

	const attempts = 8
	outcomes := make(chan RecordOutcome, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1", dev)
			if err == nil {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	created, already := 0, 0
	for o := range outcomes {
		switch o {
		case Created:
			created++
		case AlreadyExists:
			already++
		}
	}
	assert.Equal(t, 1, created, "exactly one writer wins")
	assert.Equal(t, attempts-1, already, "everyone else sees already-checked-in")
	assert.Len(t, st.records, 1)
}

func TestQRCheckIn(t *testing.T) {
	st := setupStore()
	svc := NewService(st)

	res, err := svc.QRCheckIn(context.Background(), "student-1", "sess-1", "tok-secret")
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	assert.Equal(t, MethodQR, st.records["sess-1|student-1"].Method)
}

func TestQRCheckInBadToken(t *testing.T) {
	svc := NewService(setupStore())

	for _, tok := range []string{"", "wrong", "tok-secret2"} {
		_, err := svc.QRCheckIn(context.Background(), "student-1", "sess-1", tok)
		assert.ErrorIs(t, err, ErrBadQRToken)
	}
}

func TestManualMark(t *testing.T) {
	st := setupStore()
	svc := NewService(st)

	res, err := svc.ManualMark(context.Background(), "student-1", "sess-1", StatusLate)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	assert.Equal(t, StatusLate, st.records["sess-1|student-1"].Status)

	_, err = svc.ManualMark(context.Background(), "student-1", "sess-1", Status("banana"))
	assert.Error(t, err)
}

func TestProximityCheckInStorageFailurePropagates(t *testing.T) {
	st := setupStore()
	st.failNext = errors.New("connection reset")
	svc := NewService(st)

	_, err := svc.ProximityCheckIn(context.Background(), "student-1", "sess-1",
		geo.DeviceLocation{Latitude: 12.9716, Longitude: 77.5946})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotActive)
}
