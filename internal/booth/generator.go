package booth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GenerationRequest describes one costed styling call: a prompt and an
// optional base64 source frame from the camera.
type GenerationRequest struct {
	Prompt      string
	ImageBase64 string
}

// GenerationResult is the opaque output of the external image model.
type GenerationResult struct {
	ImageBase64 string
	MimeType    string
}

// Generator is the external image-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, request GenerationRequest) (GenerationResult, error)
}

// HTTPGenerator calls a hosted generation endpoint over JSON.
type HTTPGenerator struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGenerator wires the client with a per-call timeout.
func NewHTTPGenerator(endpoint string, apiKey string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate posts the prompt and source frame and decodes the styled image.
func (generator *HTTPGenerator) Generate(ctx context.Context, request GenerationRequest) (GenerationResult, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":    request.Prompt,
		"image_b64": request.ImageBase64,
	})
	if err != nil {
		return GenerationResult{}, fmt.Errorf("encode generation request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, generator.endpoint, bytes.NewReader(body))
	if err != nil {
		return GenerationResult{}, fmt.Errorf("build generation request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if generator.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+generator.apiKey)
	}
	response, err := generator.httpClient.Do(httpRequest)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("generation call: %w", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("read generation response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return GenerationResult{}, fmt.Errorf("generation endpoint returned %d: %s", response.StatusCode, truncate(payload, 256))
	}
	var decoded struct {
		ImageBase64 string `json:"image_b64"`
		MimeType    string `json:"mime_type"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return GenerationResult{}, fmt.Errorf("decode generation response: %w", err)
	}
	if decoded.ImageBase64 == "" {
		return GenerationResult{}, fmt.Errorf("generation endpoint returned no image")
	}
	return GenerationResult{ImageBase64: decoded.ImageBase64, MimeType: decoded.MimeType}, nil
}

func truncate(payload []byte, limit int) string {
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "..."
}
