package httpapi

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/faceverify"
	"campusattend/internal/geo"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
)

// Expected rejections come back as HTTP 200 with success=false so clients can
// distinguish "the flow said no" from transport or server failures.

func (s *Server) publishRecorded(c *gin.Context, res attendance.CheckInResult) {
	if res.Outcome != attendance.Created {
		return
	}
	evt := queue.RecordedEvent{
		SessionID: res.SessionID,
		ClassID:   res.ClassID,
		StudentID: auth.FromContext(c).Subject,
		Method:    res.Method,
		Score:     res.Score,
	}
	if err := s.q.Publish(c.Request.Context(), evt); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

func (s *Server) proximityCheckIn(c *gin.Context) {
	var req struct {
		SessionID      string   `json:"session_id" binding:"required"`
		Latitude       *float64 `json:"latitude" binding:"required"`
		Longitude      *float64 `json:"longitude" binding:"required"`
		AccuracyMeters float64  `json:"accuracy_meters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	studentID := auth.FromContext(c).Subject
	dev := geo.DeviceLocation{
		Latitude:       *req.Latitude,
		Longitude:      *req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
	}

	res, err := s.svc.ProximityCheckIn(c.Request.Context(), studentID, req.SessionID, dev)
	if err != nil {
		var oor *attendance.OutOfRangeError
		switch {
		case errors.As(err, &oor):
			metrics.ObserveCheckIn("proximity", "out_of_range")
			c.JSON(http.StatusOK, gin.H{
				"success":               false,
				"error":                 fmt.Sprintf("You are %.0fm away. Must be within %.0fm of the classroom.", oor.DistanceMeters, oor.AllowedRadiusMeters),
				"distance_meters":       oor.DistanceMeters,
				"allowed_radius_meters": oor.AllowedRadiusMeters,
			})
		case errors.Is(err, attendance.ErrSessionNotActive), errors.Is(err, attendance.ErrNotEnrolled):
			metrics.ObserveCheckIn("proximity", "rejected")
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		default:
			metrics.ObserveCheckIn("proximity", "error")
			log.Printf("proximity check-in failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Unable to verify your proximity. Please try again."})
		}
		return
	}

	s.publishRecorded(c, res)

	body := gin.H{
		"success":            true,
		"verification_score": res.Score,
	}
	if res.Outcome == attendance.AlreadyExists {
		metrics.ObserveCheckIn("proximity", "already_checked_in")
		body["already_checked_in"] = true
		body["message"] = "Your attendance was already recorded for this session."
	} else {
		metrics.ObserveCheckIn("proximity", "created")
		body["message"] = "Check-in successful! Your attendance has been recorded."
	}
	if res.Unverified {
		body["unverified"] = true
		body["message"] = "Classroom location not set. Check-in recorded based on your GPS coordinates."
	} else {
		body["distance_meters"] = res.DistanceMeters
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) faceCheckIn(c *gin.Context) {
	var req struct {
		SessionID   string `json:"session_id" binding:"required"`
		ImageBase64 string `json:"image_base64" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	studentID := auth.FromContext(c).Subject
	out, err := s.verifier.Verify(c.Request.Context(), studentID, req.SessionID, req.ImageBase64)
	if err != nil {
		metrics.ObserveCheckIn("face", "error")
		log.Printf("face check-in failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Verification failed. Please try again."})
		return
	}

	metrics.ObserveCheckIn("face", string(out.Code))

	if !out.Verified {
		body := gin.H{"success": false, "error": out.Message}
		if out.Code == faceverify.CodeBelowThreshold {
			body["match_score"] = out.MatchScore
		}
		c.JSON(http.StatusOK, body)
		return
	}

	score := out.MatchScore
	s.publishRecorded(c, attendance.CheckInResult{
		Outcome:   attendance.Created,
		SessionID: req.SessionID,
		ClassID:   out.ClassID,
		Method:    attendance.MethodFace,
		Score:     &score,
	})

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     out.Message,
		"match_score": out.MatchScore,
		"confidence":  out.Confidence,
	})
}

func (s *Server) qrCheckIn(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
		Token     string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	studentID := auth.FromContext(c).Subject
	res, err := s.svc.QRCheckIn(c.Request.Context(), studentID, req.SessionID, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, attendance.ErrSessionNotActive),
			errors.Is(err, attendance.ErrNotEnrolled),
			errors.Is(err, attendance.ErrBadQRToken):
			metrics.ObserveCheckIn("qr", "rejected")
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		default:
			metrics.ObserveCheckIn("qr", "error")
			log.Printf("qr check-in failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Check-in failed. Please try again."})
		}
		return
	}

	s.publishRecorded(c, res)

	if res.Outcome == attendance.AlreadyExists {
		metrics.ObserveCheckIn("qr", "already_checked_in")
		c.JSON(http.StatusOK, gin.H{
			"success":            true,
			"already_checked_in": true,
			"message":            "Your attendance was already recorded for this session.",
		})
		return
	}
	metrics.ObserveCheckIn("qr", "created")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Check-in successful! Your attendance has been recorded."})
}
