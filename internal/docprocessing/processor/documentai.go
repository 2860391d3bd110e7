package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/pkg/config"
	"github.com/hireflow/hireflow-backend/pkg/errors"
)

const maxProviderResponseBytes = 1 << 20

// DocumentAIProvider calls a structured identity-document extraction service.
// It only serves government_id documents.
type DocumentAIProvider struct {
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewDocumentAIProvider validates the endpoint and credentials up front.
func NewDocumentAIProvider(cfg config.ProviderConfig, timeout time.Duration) (*DocumentAIProvider, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, errors.Configuration("identity extraction provider requires url and api_key")
	}
	name := cfg.Name
	if name == "" {
		name = "document_ai"
	}

	return &DocumentAIProvider{
		name:     name,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/v1/identity:extract",
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (p *DocumentAIProvider) Name() string { return p.name }

type documentAIRequest struct {
	DocumentType string `json:"document_type"`
	MimeType     string `json:"mime_type"`
	Content      string `json:"content"`
}

type documentAIResponse struct {
	Entities []documentAIEntity `json:"entities"`
	MRZ      string             `json:"mrz,omitempty"`
}

type documentAIEntity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func (p *DocumentAIProvider) Extract(ctx context.Context, imageData []byte, category domain.DocumentCategory) (*Output, error) {
	if category != domain.CategoryGovernmentID {
		return nil, NewProviderError(p.name, FailureUnsupportedInput, fmt.Sprintf("category %s not supported", category), nil)
	}

	payload, err := json.Marshal(documentAIRequest{
		DocumentType: "identity",
		MimeType:     http.DetectContentType(imageData),
		Content:      base64.StdEncoding.EncodeToString(imageData),
	})
	if err != nil {
		return nil, NewProviderError(p.name, FailureBadResponse, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("document_ai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("document_ai: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("document_ai: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError(p.name, kindForStatus(resp.StatusCode),
			fmt.Sprintf("service returned %d: %s", resp.StatusCode, truncate(respBody, 200)), nil)
	}

	var parsed documentAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(p.name, FailureBadResponse, "parse response", err)
	}

	out := &Output{
		Fields:     make(map[string]string, len(parsed.Entities)),
		Confidence: make(map[string]float64, len(parsed.Entities)),
	}
	for _, e := range parsed.Entities {
		out.Fields[e.Type] = e.Value
		out.Confidence[e.Type] = e.Confidence
	}

	// Fill gaps from the machine readable zone when the service returned it.
	if parsed.MRZ != "" {
		if mrz, err := ParseMRZ(parsed.MRZ, time.Now().Year()); err == nil {
			for key, value := range mrz.Fields {
				if _, ok := out.Fields[key]; !ok {
					out.Fields[key] = value
					out.Confidence[key] = mrz.Confidence[key]
				}
			}
		}
	}

	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
