// Package visionclient calls an OpenAI-compatible vision gateway to compare
// a captured face image against a student's stored feature descriptor. The
// concrete model behind the gateway is an implementation detail; the verifier
// only sees the Comparison verdict.
package visionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"campusattend/internal/faceverify"
)

// DefaultTimeout bounds a single comparison round trip. The upstream model
// can take several seconds on a cold start.
const DefaultTimeout = 30 * time.Second

// Client calls the vision gateway.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. A zero timeout falls back to DefaultTimeout.
func New(baseURL, apiKey, model string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var dataURLRe = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// normalizeImage accepts a raw base64 string or a full data URL and returns
// the mime type plus bare base64 payload. Raw input is assumed JPEG.
func normalizeImage(image string) (mime, b64 string) {
	if m := dataURLRe.FindStringSubmatch(image); m != nil {
		return m[1], m[2]
	}
	return "image/jpeg", image
}

// verdict is the JSON object the model is instructed to return.
type verdict struct {
	FaceDetected bool    `json:"face_detected"`
	MatchScore   float64 `json:"match_score"`
	IsSamePerson bool    `json:"is_same_person"`
	Confidence   string  `json:"confidence"`
	Reason       string  `json:"reason"`
}

const systemPromptFmt = `You are a face verification system. Compare the face in the provided image against stored facial features and determine if they match the same person.

STORED FACIAL FEATURES:
%s

Analyze the provided image and return a JSON object with:
- face_detected: boolean
- match_score: number between 0 and 1 (similarity score)
- is_same_person: boolean
- confidence: string (high/medium/low)
- reason: string (brief explanation)

Return ONLY valid JSON, no markdown or explanation.`

// Compare submits the image and stored descriptor to the gateway and parses
// the model's verdict. Implements faceverify.Comparer.
func (c *Client) Compare(ctx context.Context, imageBase64 string, descriptor json.RawMessage) (faceverify.Comparison, error) {
	if c.Skip {
		return faceverify.Comparison{
			FaceDetected: true,
			MatchScore:   0.92,
			SamePerson:   true,
			Confidence:   "high",
			Reason:       "skip mode",
		}, nil
	}
	if imageBase64 == "" {
		return faceverify.Comparison{}, fmt.Errorf("image data required")
	}

	mime, b64 := normalizeImage(imageBase64)

	payload := map[string]interface{}{
		"model": c.Model,
		"messages": []interface{}{
			map[string]interface{}{
				"role":    "system",
				"content": fmt.Sprintf(systemPromptFmt, string(descriptor)),
			},
			map[string]interface{}{
				"role": "user",
				"content": []interface{}{
					map[string]interface{}{
						"type": "text",
						"text": "Analyze this face and compare it with the stored facial features to verify identity.",
					},
					map[string]interface{}{
						"type": "image_url",
						"image_url": map[string]string{
							"url": fmt.Sprintf("data:%s;base64,%s", mime, b64),
						},
					},
				},
			},
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return faceverify.Comparison{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return faceverify.Comparison{}, fmt.Errorf("vision gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return faceverify.Comparison{}, fmt.Errorf("vision gateway error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return faceverify.Comparison{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return faceverify.Comparison{}, fmt.Errorf("empty response from vision gateway")
	}

	var v verdict
	if err := json.Unmarshal([]byte(stripFences(out.Choices[0].Message.Content)), &v); err != nil {
		return faceverify.Comparison{}, fmt.Errorf("failed to parse model verdict: %w", err)
	}

	return faceverify.Comparison{
		FaceDetected: v.FaceDetected,
		MatchScore:   v.MatchScore,
		SamePerson:   v.IsSamePerson,
		Confidence:   v.Confidence,
		Reason:       v.Reason,
	}, nil
}

// stripFences removes markdown code fences some models wrap around JSON.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// Health checks if the gateway is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vision gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("vision gateway unhealthy: %s", resp.Status)
	}
	return nil
}
