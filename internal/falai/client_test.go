package falai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSanitizePrompt(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a dragon, breathing fire!", "a dragon breathing fire"},
		{"plain prompt", "plain prompt"},
		{"hash#tag", "hashtag"},
	}
	for _, tt := range tests {
		if got := SanitizePrompt(tt.in); got != tt.want {
			t.Errorf("SanitizePrompt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnhancePrompt(t *testing.T) {
	withImage := EnhancePrompt("a dragon", true)
	if !strings.Contains(withImage, "reimagine the subject") {
		t.Errorf("image prompt missing remix instruction: %q", withImage)
	}
	withoutImage := EnhancePrompt("a dragon", false)
	if strings.Contains(withoutImage, "reimagine the subject") {
		t.Errorf("text prompt carries remix instruction: %q", withoutImage)
	}
	if !strings.Contains(withoutImage, "cinematic movement") {
		t.Errorf("video instruction missing: %q", withoutImage)
	}
}

func TestSubmitStatusResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key test-key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/"+ModelImageToVideo:
			var req SubmitRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.ImageURL != "https://pfp.example/a.png" {
				t.Errorf("image url = %q", req.ImageURL)
			}
			json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})

		case r.URL.Path == "/"+ModelImageToVideo+"/requests/req-1/status":
			json.NewEncoder(w).Encode(StatusResponse{Status: StatusCompleted})

		case r.URL.Path == "/"+ModelImageToVideo+"/requests/req-1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"video": map[string]string{"url": "https://out.example/v.mp4"},
			})

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient("test-key", nil, WithQueueURL(server.URL))
	ctx := context.Background()

	id, err := client.SubmitImageToVideo(ctx, "a dragon", "https://pfp.example/a.png")
	if err != nil {
		t.Fatal(err)
	}
	if id != "req-1" {
		t.Fatalf("request id = %s", id)
	}

	status, err := client.Status(ctx, ModelImageToVideo, id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != StatusCompleted {
		t.Errorf("status = %s", status.Status)
	}

	result, err := client.Result(ctx, ModelImageToVideo, id)
	if err != nil {
		t.Fatal(err)
	}
	if result.Video.URL != "https://out.example/v.mp4" {
		t.Errorf("video url = %s", result.Video.URL)
	}
}

func TestSubmitErrorSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"prompt rejected"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", nil, WithQueueURL(server.URL))
	_, err := client.SubmitTextToVideo(context.Background(), "a dragon")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "prompt rejected") {
		t.Errorf("error does not carry body: %v", err)
	}
}
