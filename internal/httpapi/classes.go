package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/qr"
)

// ownedClass loads a class and verifies the caller teaches it. Admins may act
// on any class. Writes the response and returns nil on failure.
func (s *Server) ownedClass(c *gin.Context, classID string) *attendance.Class {
	cls, err := s.repo.GetClass(c.Request.Context(), classID)
	if err != nil {
		log.Printf("load class %s failed: %v", classID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "class lookup failed"})
		return nil
	}
	if cls == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
		return nil
	}
	claims := auth.FromContext(c)
	if claims.Role != auth.RoleAdmin && cls.ProfessorID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your class"})
		return nil
	}
	return cls
}

func (s *Server) createClass(c *gin.Context) {
	var req struct {
		Subject      string   `json:"subject" binding:"required"`
		Code         string   `json:"code" binding:"required"`
		Room         string   `json:"room"`
		Latitude     *float64 `json:"latitude"`
		Longitude    *float64 `json:"longitude"`
		RadiusMeters *float64 `json:"proximity_radius_meters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cls, err := s.repo.CreateClass(c.Request.Context(), attendance.Class{
		Subject:      req.Subject,
		Code:         req.Code,
		Room:         req.Room,
		ProfessorID:  auth.FromContext(c).Subject,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		RadiusMeters: req.RadiusMeters,
	})
	if err != nil {
		log.Printf("create class failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create class failed"})
		return
	}
	c.JSON(http.StatusCreated, cls)
}

func (s *Server) setClassLocation(c *gin.Context) {
	cls := s.ownedClass(c, c.Param("id"))
	if cls == nil {
		return
	}

	var req struct {
		Latitude     *float64 `json:"latitude"`
		Longitude    *float64 `json:"longitude"`
		RadiusMeters *float64 `json:"proximity_radius_meters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude must be set together"})
		return
	}

	if err := s.repo.SetClassLocation(c.Request.Context(), cls.ID, req.Latitude, req.Longitude, req.RadiusMeters); err != nil {
		log.Printf("set class location failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) enrollStudent(c *gin.Context) {
	cls := s.ownedClass(c, c.Param("id"))
	if cls == nil {
		return
	}

	var req struct {
		StudentID string `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.repo.Enroll(c.Request.Context(), cls.ID, req.StudentID); err != nil {
		log.Printf("enroll failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enroll failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true})
}

func (s *Server) classStats(c *gin.Context) {
	cls := s.ownedClass(c, c.Param("id"))
	if cls == nil {
		return
	}
	st, err := s.agg.ClassStats(c.Request.Context(), cls.ID)
	if err != nil {
		log.Printf("class stats failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) startSession(c *gin.Context) {
	var req struct {
		ClassID string `json:"class_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cls := s.ownedClass(c, req.ClassID)
	if cls == nil {
		return
	}

	token, err := qr.NewToken()
	if err != nil {
		log.Printf("qr token failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start session failed"})
		return
	}

	sess, err := s.repo.CreateSession(c.Request.Context(), cls.ID, token)
	if err != nil {
		log.Printf("create session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start session failed"})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ownedSession loads a session and checks class ownership.
func (s *Server) ownedSession(c *gin.Context, sessionID string) *attendance.Session {
	sess, err := s.repo.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		log.Printf("load session %s failed: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return nil
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil
	}
	if s.ownedClass(c, sess.ClassID) == nil {
		return nil
	}
	return sess
}

func (s *Server) endSession(c *gin.Context) {
	sess := s.ownedSession(c, c.Param("id"))
	if sess == nil {
		return
	}
	if err := s.repo.EndSession(c.Request.Context(), sess.ID); err != nil {
		log.Printf("end session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "end session failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) sessionQR(c *gin.Context) {
	sess := s.ownedSession(c, c.Param("id"))
	if sess == nil {
		return
	}
	if !sess.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "session is closed"})
		return
	}
	png, err := qr.PNG(sess.ID, sess.QRToken, 256)
	if err != nil {
		log.Printf("render qr failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) sessionRecords(c *gin.Context) {
	sess := s.ownedSession(c, c.Param("id"))
	if sess == nil {
		return
	}
	records, err := s.repo.ListSessionRecords(c.Request.Context(), sess.ID)
	if err != nil {
		log.Printf("list records failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "records unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) manualMark(c *gin.Context) {
	sess := s.ownedSession(c, c.Param("id"))
	if sess == nil {
		return
	}

	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		Status    string `json:"status" binding:"required,oneof=present late absent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.svc.ManualMark(c.Request.Context(), req.StudentID, sess.ID, attendance.Status(req.Status))
	if err != nil {
		if errors.Is(err, attendance.ErrSessionNotActive) {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.Printf("manual mark failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "manual mark failed"})
		return
	}

	s.publishRecorded(c, res)
	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"already_checked_in": res.Outcome == attendance.AlreadyExists,
	})
}

func (s *Server) listActiveSessions(c *gin.Context) {
	sessions, err := s.repo.ListActiveSessions(c.Request.Context())
	if err != nil {
		log.Printf("list active sessions failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sessions unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) registerFace(c *gin.Context) {
	var req struct {
		Features    json.RawMessage `json:"features" binding:"required"`
		ImageBase64 string          `json:"image_base64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !json.Valid(req.Features) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "features must be valid JSON"})
		return
	}

	studentID := auth.FromContext(c).Subject
	if err := s.repo.SaveDescriptor(c.Request.Context(), studentID, req.Features); err != nil {
		log.Printf("save descriptor failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	body := gin.H{"success": true, "message": "Face registered successfully."}
	if s.cdn != nil && req.ImageBase64 != "" {
		// Reference photo is best effort; registration stands without it.
		if up, err := s.cdn.UploadReferencePhoto(c.Request.Context(), studentID, req.ImageBase64); err != nil {
			log.Printf("reference photo upload failed: %v", err)
		} else {
			body["photo_url"] = up.SecureURL
		}
	}
	c.JSON(http.StatusOK, body)
}
