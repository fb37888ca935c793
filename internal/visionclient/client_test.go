package visionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{
				"message": map[string]string{"content": content},
			},
		},
	})
	return string(body)
}

const descriptor = `{"face_features":{"eye_distance":"wide","jawline":"square"}}`

func TestCompareParsesVerdict(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, chatResponse(`{"face_detected":true,"match_score":0.88,"is_same_person":true,"confidence":"high","reason":"features align"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", "test-model", time.Second, false)
	cmp, err := c.Compare(context.Background(), "data:image/png;base64,aGVsbG8=", json.RawMessage(descriptor))
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.True(t, cmp.FaceDetected)
	assert.Equal(t, 0.88, cmp.MatchScore)
	assert.True(t, cmp.SamePerson)
	assert.Equal(t, "high", cmp.Confidence)

	// Stored features must reach the model prompt.
	msgs := gotBody["messages"].([]interface{})
	system := msgs[0].(map[string]interface{})
	assert.Contains(t, system["content"], "jawline")
	// The image goes out as a data URL preserving the submitted mime type.
	user := msgs[1].(map[string]interface{})
	parts := user["content"].([]interface{})
	imgPart := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", imgPart["url"])
}

func TestCompareStripsMarkdownFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, chatResponse("```json\n{\"face_detected\":true,\"match_score\":0.5,\"is_same_person\":false}\n```"))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second, false)
	cmp, err := c.Compare(context.Background(), "aGVsbG8=", json.RawMessage(descriptor))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cmp.MatchScore)
	assert.False(t, cmp.SamePerson)
}

func TestCompareRawBase64AssumesJPEG(t *testing.T) {
	var url string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		msgs := body["messages"].([]interface{})
		parts := msgs[1].(map[string]interface{})["content"].([]interface{})
		url = parts[1].(map[string]interface{})["image_url"].(map[string]interface{})["url"].(string)
		fmt.Fprint(w, chatResponse(`{"face_detected":true,"match_score":1,"is_same_person":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second, false)
	_, err := c.Compare(context.Background(), "aGVsbG8=", json.RawMessage(descriptor))
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", url)
}

func TestCompareGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second, false)
	_, err := c.Compare(context.Background(), "aGVsbG8=", json.RawMessage(descriptor))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vision gateway error")
}

func TestCompareEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second, false)
	_, err := c.Compare(context.Background(), "aGVsbG8=", json.RawMessage(descriptor))
	assert.Error(t, err)
}

func TestCompareGarbageVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, chatResponse("I cannot help with that."))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second, false)
	_, err := c.Compare(context.Background(), "aGVsbG8=", json.RawMessage(descriptor))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse model verdict")
}

func TestCompareSkipMode(t *testing.T) {
	c := New("http://unreachable.invalid", "", "", 0, true)
	cmp, err := c.Compare(context.Background(), "aGVsbG8=", nil)
	require.NoError(t, err)
	assert.True(t, cmp.FaceDetected)
	assert.True(t, cmp.SamePerson)
	assert.GreaterOrEqual(t, cmp.MatchScore, 0.75)
}

func TestCompareRequiresImage(t *testing.T) {
	c := New("http://unreachable.invalid", "", "", 0, false)
	_, err := c.Compare(context.Background(), "", json.RawMessage(descriptor))
	assert.Error(t, err)
}
