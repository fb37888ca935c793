package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/config"
	"campusattend/internal/faceverify"
	"campusattend/internal/geo"
	"campusattend/internal/queue"
)

func f64(v float64) *float64 { return &v }

// apiStore backs both the check-in service and the face verifier in tests.
type apiStore struct {
	mu          sync.Mutex
	sessions    map[string]*attendance.Session
	enrolled    map[string]bool
	descriptors map[string]json.RawMessage
	location    geo.ClassLocation
	records     map[string]attendance.Record
}

func newAPIStore() *apiStore {
	st := &apiStore{
		sessions:    make(map[string]*attendance.Session),
		enrolled:    make(map[string]bool),
		descriptors: make(map[string]json.RawMessage),
		records:     make(map[string]attendance.Record),
	}
	st.sessions["sess-1"] = &attendance.Session{ID: "sess-1", ClassID: "class-1", IsActive: true, QRToken: "tok"}
	st.enrolled["class-1|student-1"] = true
	st.descriptors["student-1"] = json.RawMessage(`{"face_features":{}}`)
	st.location = geo.ClassLocation{Latitude: f64(12.9716), Longitude: f64(77.5946), RadiusMeters: f64(50)}
	return st
}

func (f *apiStore) GetSession(_ context.Context, id string) (*attendance.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}

func (f *apiStore) ClassLocation(_ context.Context, _ string) (geo.ClassLocation, error) {
	return f.location, nil
}

func (f *apiStore) IsEnrolled(_ context.Context, classID, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrolled[classID+"|"+studentID], nil
}

func (f *apiStore) Descriptor(_ context.Context, studentID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptors[studentID], nil
}

func (f *apiStore) HasRecord(_ context.Context, sessionID, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[sessionID+"|"+studentID]
	return ok, nil
}

func (f *apiStore) InsertRecord(_ context.Context, rec attendance.Record) (attendance.RecordOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rec.SessionID + "|" + rec.StudentID
	if _, ok := f.records[key]; ok {
		return attendance.AlreadyExists, nil
	}
	f.records[key] = rec
	return attendance.Created, nil
}

type stubComparer struct {
	cmp faceverify.Comparison
}

func (s stubComparer) Compare(_ context.Context, _ string, _ json.RawMessage) (faceverify.Comparison, error) {
	return s.cmp, nil
}

func testServer(st *apiStore, cmp faceverify.Comparer) (*Server, config.App) {
	gin.SetMode(gin.TestMode)
	cfg := config.App{
		JWTIssuer:     "test",
		JWTSigningKey: "test-key",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	}
	svc := attendance.NewService(st)
	verifier := faceverify.New(st, cmp)
	return New(cfg, nil, svc, verifier, nil, queue.NewInMemory(16), nil, nil, nil), cfg
}

func studentToken(t *testing.T, cfg config.App, subject, role string) string {
	t.Helper()
	pair, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	require.NoError(t, err)
	return pair.AccessToken
}

func doJSON(t *testing.T, r http.Handler, token, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestProximityEndpointSuccess(t *testing.T) {
	st := newAPIStore()
	srv, cfg := testServer(st, stubComparer{})
	r := srv.Routes()
	token := studentToken(t, cfg, "student-1", auth.RoleStudent)

	w, out := doJSON(t, r, token, "/v1/checkins/proximity", map[string]interface{}{
		"session_id":      "sess-1",
		"latitude":        12.9716,
		"longitude":       77.5946,
		"accuracy_meters": 10,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
	assert.InDelta(t, 1.0, out["verification_score"].(float64), 1e-9)
	assert.Equal(t, "proximity", string(st.records["sess-1|student-1"].Method))
}

func TestProximityEndpointOutOfRange(t *testing.T) {
	st := newAPIStore()
	srv, cfg := testServer(st, stubComparer{})
	r := srv.Routes()
	token := studentToken(t, cfg, "student-1", auth.RoleStudent)

	w, out := doJSON(t, r, token, "/v1/checkins/proximity", map[string]interface{}{
		"session_id": "sess-1",
		"latitude":   12.9716 + 80.0/111194.9,
		"longitude":  77.5946,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["success"])
	assert.InDelta(t, 80, out["distance_meters"].(float64), 1.0)
	assert.Equal(t, 50.0, out["allowed_radius_meters"])
	assert.Empty(t, st.records)
}

func TestProximityEndpointAlreadyCheckedIn(t *testing.T) {
	st := newAPIStore()
	st.records["sess-1|student-1"] = attendance.Record{}
	srv, cfg := testServer(st, stubComparer{})
	r := srv.Routes()
	token := studentToken(t, cfg, "student-1", auth.RoleStudent)

	w, out := doJSON(t, r, token, "/v1/checkins/proximity", map[string]interface{}{
		"session_id": "sess-1",
		"latitude":   12.9716,
		"longitude":  77.5946,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"], "duplicate is success-shaped")
	assert.Equal(t, true, out["already_checked_in"])
}

func TestFaceEndpointSuccess(t *testing.T) {
	st := newAPIStore()
	srv, cfg := testServer(st, stubComparer{cmp: faceverify.Comparison{
		FaceDetected: true, MatchScore: 0.92, SamePerson: true, Confidence: "high",
	}})
	r := srv.Routes()
	token := studentToken(t, cfg, "student-1", auth.RoleStudent)

	w, out := doJSON(t, r, token, "/v1/checkins/face", map[string]interface{}{
		"session_id":   "sess-1",
		"image_base64": "data:image/jpeg;base64,aGVsbG8=",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 0.92, out["match_score"])
	rec := st.records["sess-1|student-1"]
	assert.Equal(t, "face", string(rec.Method))
	assert.Equal(t, 0.92, *rec.Score)
}

func TestFaceEndpointBelowThreshold(t *testing.T) {
	st := newAPIStore()
	srv, cfg := testServer(st, stubComparer{cmp: faceverify.Comparison{
		FaceDetected: true, MatchScore: 0.6, SamePerson: true,
	}})
	r := srv.Routes()
	token := studentToken(t, cfg, "student-1", auth.RoleStudent)

	w, out := doJSON(t, r, token, "/v1/checkins/face", map[string]interface{}{
		"session_id":   "sess-1",
		"image_base64": "aGVsbG8=",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, 0.6, out["match_score"])
	assert.Contains(t, out["error"], "QR")
}

func TestQREndpoint(t *testing.T) {
	st := newAPIStore()
	srv, cfg := testServer(st, stubComparer{})
	r := srv.Routes()
	token := studentToken(t, cfg, "student-1", auth.RoleStudent)

	w, out := doJSON(t, r, token, "/v1/checkins/qr", map[string]interface{}{
		"session_id": "sess-1",
		"token":      "tok",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["success"])

	_, out = doJSON(t, r, token, "/v1/checkins/qr", map[string]interface{}{
		"session_id": "sess-1",
		"token":      "bogus",
	})
	// Second attempt with a bad token: rejected before the duplicate check.
	assert.Equal(t, false, out["success"])
}

func TestCheckinRequiresAuth(t *testing.T) {
	srv, _ := testServer(newAPIStore(), stubComparer{})
	r := srv.Routes()

	w, _ := doJSON(t, r, "", "/v1/checkins/proximity", map[string]interface{}{
		"session_id": "sess-1", "latitude": 1.0, "longitude": 1.0,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckinRequiresStudentRole(t *testing.T) {
	srv, cfg := testServer(newAPIStore(), stubComparer{})
	r := srv.Routes()
	token := studentToken(t, cfg, "prof-1", auth.RoleProfessor)

	w, _ := doJSON(t, r, token, "/v1/checkins/proximity", map[string]interface{}{
		"session_id": "sess-1", "latitude": 1.0, "longitude": 1.0,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
