package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
	"github.com/hireflow/hireflow-backend/pkg/config"
	apperrors "github.com/hireflow/hireflow-backend/pkg/errors"
)

var pngImage = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}

func TestNewDocumentAIProvider_RequiresCredentials(t *testing.T) {
	_, err := NewDocumentAIProvider(config.ProviderConfig{URL: "http://docai"}, time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}

func TestDocumentAIProvider_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/identity:extract", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var req documentAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "identity", req.DocumentType)
		assert.Equal(t, "image/png", req.MimeType)
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		require.NoError(t, err)
		assert.Equal(t, pngImage, decoded)

		_ = json.NewEncoder(w).Encode(documentAIResponse{
			Entities: []documentAIEntity{
				{Type: "document_number", Value: "L898902C3", Confidence: 0.99},
			},
			MRZ: "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
				"L898902C36UTO7408122F1204159ZE184226B<<<<<10",
		})
	}))
	defer srv.Close()

	p, err := NewDocumentAIProvider(config.ProviderConfig{URL: srv.URL, APIKey: "secret"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "document_ai", p.Name())

	out, err := p.Extract(context.Background(), pngImage, domain.CategoryGovernmentID)
	require.NoError(t, err)

	assert.Equal(t, "L898902C3", out.Fields["document_number"])
	assert.Equal(t, 0.99, out.Confidence["document_number"])
	assert.Equal(t, "2012-04-15", out.Fields["expiry_date"])
	assert.Equal(t, "UTO", out.Fields["issuing_state"])
}

func TestDocumentAIProvider_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   FailureKind
	}{
		{http.StatusUnauthorized, FailureAuthentication},
		{http.StatusBadGateway, FailureUnavailable},
		{http.StatusGatewayTimeout, FailureTimeout},
		{http.StatusUnprocessableEntity, FailureBadResponse},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p, err := NewDocumentAIProvider(config.ProviderConfig{URL: srv.URL, APIKey: "k"}, time.Second)
			require.NoError(t, err)

			_, err = p.Extract(context.Background(), pngImage, domain.CategoryGovernmentID)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestDocumentAIProvider_RejectsFinancialDocuments(t *testing.T) {
	p, err := NewDocumentAIProvider(config.ProviderConfig{URL: "http://unused", APIKey: "k"}, time.Second)
	require.NoError(t, err)

	_, err = p.Extract(context.Background(), pngImage, domain.CategoryFinancialInstrument)
	assert.Equal(t, FailureUnsupportedInput, KindOf(err))
}

func TestNewVisionProvider_RequiresModel(t *testing.T) {
	_, err := NewVisionProvider(config.ProviderConfig{URL: "http://vision"}, time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}

func TestVisionProvider_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/extract", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "financial_instrument", r.FormValue("document_type"))
		assert.Equal(t, "llava", r.FormValue("model"))

		_, _ = w.Write([]byte(`{"fields":[{"key":"routing_number","value":"121000248","confidence":0.93}]}`))
	}))
	defer srv.Close()

	p, err := NewVisionProvider(config.ProviderConfig{Name: "vision_primary", URL: srv.URL, Model: "llava"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "vision_primary", p.Name())

	out, err := p.Extract(context.Background(), pngImage, domain.CategoryFinancialInstrument)
	require.NoError(t, err)
	assert.Equal(t, "121000248", out.Fields["routing_number"])
	assert.Equal(t, 0.93, out.Confidence["routing_number"])
}

func TestVisionProvider_ModelUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"service unavailable", http.StatusServiceUnavailable, ""},
		{"model error body", http.StatusNotFound, `{"error":"model_unavailable"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewVisionProvider(config.ProviderConfig{URL: srv.URL, Model: "llava"}, time.Second)
			require.NoError(t, err)

			_, err = p.Extract(context.Background(), pngImage, domain.CategoryFinancialInstrument)
			assert.Equal(t, FailureModelUnavailable, KindOf(err))
			assert.ErrorIs(t, err, ErrModelUnavailable)
		})
	}
}

func TestVisionProvider_RejectsNonImages(t *testing.T) {
	p, err := NewVisionProvider(config.ProviderConfig{URL: "http://unused", Model: "llava"}, time.Second)
	require.NoError(t, err)

	_, err = p.Extract(context.Background(), []byte("%PDF-1.7"), domain.CategoryFinancialInstrument)
	assert.Equal(t, FailureUnsupportedInput, KindOf(err))
}

func TestVisionProvider_SendsBearerKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"fields":[]}`))
	}))
	defer srv.Close()

	p, err := NewVisionProvider(config.ProviderConfig{URL: srv.URL + "/", Model: "m", APIKey: "tok"}, time.Second)
	require.NoError(t, err)

	_, err = p.Extract(context.Background(), pngImage, domain.CategoryFinancialInstrument)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(auth, "Bearer "))
	assert.Equal(t, "Bearer tok", auth)
}
