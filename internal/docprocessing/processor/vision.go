package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/pkg/config"
	"github.com/hireflow/hireflow-backend/pkg/errors"
)

// JPEG and PNG magic bytes for image detection
var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// VisionProvider extracts document fields by sending images to a vision
// language model service.
type VisionProvider struct {
	name       string
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewVisionProvider creates a provider for one configured model endpoint.
func NewVisionProvider(cfg config.ProviderConfig, timeout time.Duration) (*VisionProvider, error) {
	if cfg.URL == "" || cfg.Model == "" {
		return nil, errors.Configuration("vision extraction provider requires url and model")
	}
	name := cfg.Name
	if name == "" {
		name = "vision"
	}

	return &VisionProvider{
		name:     name,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/api/v1/extract",
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (p *VisionProvider) Name() string { return p.name }

func (p *VisionProvider) Extract(ctx context.Context, imageData []byte, category domain.DocumentCategory) (*Output, error) {
	if !isImageData(imageData) {
		return nil, NewProviderError(p.name, FailureUnsupportedInput, "data is not a JPEG or PNG image", nil)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "document.bin")
	if err != nil {
		return nil, fmt.Errorf("vision: create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("vision: write image data: %w", err)
	}
	if err := writer.WriteField("document_type", string(category)); err != nil {
		return nil, fmt.Errorf("vision: write document_type field: %w", err)
	}
	if err := writer.WriteField("model", p.model); err != nil {
		return nil, fmt.Errorf("vision: write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("vision: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("vision: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: service request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("vision: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusServiceUnavailable || isModelUnavailable(respBody) {
			return nil, NewProviderError(p.name, FailureModelUnavailable,
				fmt.Sprintf("model %s not served", p.model), ErrModelUnavailable)
		}
		return nil, NewProviderError(p.name, kindForStatus(resp.StatusCode),
			fmt.Sprintf("service returned %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var parsed visionExtractionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(p.name, FailureBadResponse, "parse response", err)
	}

	out := &Output{
		Fields:     make(map[string]string, len(parsed.Fields)),
		Confidence: make(map[string]float64, len(parsed.Fields)),
	}
	for _, f := range parsed.Fields {
		out.Fields[f.Key] = f.Value
		out.Confidence[f.Key] = f.Confidence
	}
	return out, nil
}

// isImageData checks for JPEG or PNG magic bytes at the start of the data.
func isImageData(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return bytes.HasPrefix(data, jpegMagic) || bytes.HasPrefix(data, pngMagic)
}

func isModelUnavailable(body []byte) bool {
	var e visionErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.Error == "model_unavailable"
}

type visionExtractionResponse struct {
	DocumentType     string        `json:"document_type"`
	Fields           []visionField `json:"fields"`
	Warnings         []string      `json:"warnings"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
}

type visionField struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type visionErrorResponse struct {
	Error string `json:"error"`
}
