package domain

import "time"

// DocumentCategory selects the provider ordering and canonical field set
type DocumentCategory string

const (
	CategoryGovernmentID        DocumentCategory = "government_id"
	CategoryFinancialInstrument DocumentCategory = "financial_instrument"
)

// Valid reports whether c is a known category
func (c DocumentCategory) Valid() bool {
	return c == CategoryGovernmentID || c == CategoryFinancialInstrument
}

// Canonical field names
const (
	FieldDocumentNumber   = "documentNumber"
	FieldExpirationDate   = "expirationDate"
	FieldIssuingAuthority = "issuingAuthority"
	FieldFullName         = "fullName"
	FieldDateOfBirth      = "dateOfBirth"
	FieldDocumentType     = "documentType"

	FieldRoutingNumber     = "routingNumber"
	FieldAccountNumber     = "accountNumber"
	FieldBankName          = "bankName"
	FieldAccountType       = "accountType"
	FieldAccountHolderName = "accountHolderName"
)

// MinMandatoryConfidence is the lowest confidence a mandatory field may have
// before the result is flagged for manual review.
const MinMandatoryConfidence = 0.6

var mandatoryFields = map[DocumentCategory][]string{
	CategoryGovernmentID:        {FieldDocumentNumber, FieldExpirationDate, FieldIssuingAuthority},
	CategoryFinancialInstrument: {FieldRoutingNumber, FieldAccountNumber},
}

var optionalFields = map[DocumentCategory][]string{
	CategoryGovernmentID:        {FieldFullName, FieldDateOfBirth, FieldDocumentType},
	CategoryFinancialInstrument: {FieldBankName, FieldAccountType, FieldAccountHolderName},
}

// MandatoryFields returns the fields a result must carry to avoid manual review
func (c DocumentCategory) MandatoryFields() []string {
	return append([]string(nil), mandatoryFields[c]...)
}

// CanonicalFields returns mandatory fields followed by optional ones
func (c DocumentCategory) CanonicalFields() []string {
	fields := c.MandatoryFields()
	return append(fields, optionalFields[c]...)
}

// IsMandatory reports whether field is mandatory for c
func (c DocumentCategory) IsMandatory(field string) bool {
	for _, f := range mandatoryFields[c] {
		if f == field {
			return true
		}
	}
	return false
}

// ExtractionRequest is one document submitted for extraction. The image is
// held in memory only.
type ExtractionRequest struct {
	SubjectID        string
	CallerIP         string
	DocumentCategory DocumentCategory
	ImageData        []byte
	FileName         string
}

// ExtractionResult is built once per request and never mutated after it is
// returned.
type ExtractionResult struct {
	Success              bool               `json:"success"`
	DocumentCategory     DocumentCategory   `json:"document_category"`
	Fields               map[string]string  `json:"fields"`
	PerFieldConfidence   map[string]float64 `json:"per_field_confidence"`
	ProviderUsed         string             `json:"provider_used,omitempty"`
	RequiresManualReview bool               `json:"requires_manual_review"`
	ProcessingNotes      []string           `json:"processing_notes"`
	ProcessingTimeMs     int64              `json:"processing_time_ms"`
}

// ValidationReport compares an extraction against checksum rules and a
// manually entered field map
type ValidationReport struct {
	Matches           []string `json:"matches"`
	Mismatches        []string `json:"mismatches"`
	Suggestions       []string `json:"suggestions"`
	OverallConfidence float64  `json:"overall_confidence"`
}

// NewValidationReport returns an empty report with non-nil slices
func NewValidationReport() *ValidationReport {
	return &ValidationReport{
		Matches:     []string{},
		Mismatches:  []string{},
		Suggestions: []string{},
	}
}

// RateLimitStatus reports current usage of both extraction limiters
type RateLimitStatus struct {
	IPUsed       int `json:"ip_used"`
	IPLimit      int `json:"ip_limit"`
	SubjectUsed  int `json:"subject_used"`
	SubjectLimit int `json:"subject_limit"`
}

// ProcessingAuditEntry records one extraction. The document itself is never
// stored, only its fingerprint.
type ProcessingAuditEntry struct {
	ID                   string           `json:"id" db:"id"`
	SubjectID            string           `json:"subject_id" db:"subject_id"`
	DocumentCategory     DocumentCategory `json:"document_category" db:"document_category"`
	ProviderUsed         string           `json:"provider_used" db:"provider_used"`
	FieldsExtracted      []string         `json:"fields_extracted" db:"-"`
	RequiresManualReview bool             `json:"requires_manual_review" db:"requires_manual_review"`
	DocumentFingerprint  string           `json:"document_fingerprint" db:"document_fingerprint"`
	ProcessingDurationMs int64            `json:"processing_duration_ms" db:"processing_duration_ms"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
}
