package validation

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
)

func TestValidRoutingChecksum_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		digits := make([]int, 9)
		sum := 0
		for j := 0; j < 8; j++ {
			digits[j] = rng.Intn(10)
			sum += digits[j] * routingWeights[j]
		}
		digits[8] = (10 - sum%10) % 10

		valid := ""
		for _, d := range digits {
			valid += fmt.Sprint(d)
		}
		require.True(t, ValidRoutingChecksum(valid), "expected %s to pass", valid)

		for d := 0; d < 10; d++ {
			if d == digits[8] {
				continue
			}
			invalid := valid[:8] + fmt.Sprint(d)
			require.False(t, ValidRoutingChecksum(invalid), "expected %s to fail", invalid)
		}
	}
}

func TestValidRoutingChecksum_Shape(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"121000248", true},
		{"011000015", true},
		{"121000249", false},
		{"12100024", false},
		{"1210002480", false},
		{"12100024a", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidRoutingChecksum(tt.input))
		})
	}
}

func TestValidateRoutingNumber(t *testing.T) {
	v := NewFieldValidator()

	tests := []struct {
		name      string
		input     string
		wantValid bool
		formatted string
	}{
		{"valid", "121000248", true, "121000248"},
		{"valid with separators", "1210-0024 8", true, "121000248"},
		{"bad checksum", "121000249", false, ""},
		{"too short", "1234", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateRoutingNumber(tt.input)
			assert.Equal(t, tt.wantValid, result.Valid)
			assert.Equal(t, tt.formatted, result.Formatted)
			if !tt.wantValid {
				assert.NotEmpty(t, result.Message)
			}
		})
	}
}

func financialResult(fields map[string]string, confidence map[string]float64) *domain.ExtractionResult {
	return &domain.ExtractionResult{
		Success:            true,
		DocumentCategory:   domain.CategoryFinancialInstrument,
		Fields:             fields,
		PerFieldConfidence: confidence,
	}
}

func TestValidate_RoutingNumberMatch(t *testing.T) {
	v := NewFieldValidator()
	result := financialResult(
		map[string]string{domain.FieldRoutingNumber: "121000248"},
		map[string]float64{domain.FieldRoutingNumber: 0.9},
	)

	report := v.Validate(result, map[string]string{domain.FieldRoutingNumber: "121000248"})

	assert.Equal(t, []string{domain.FieldRoutingNumber}, report.Matches)
	assert.Empty(t, report.Mismatches)
	assert.Empty(t, report.Suggestions)
	assert.InDelta(t, 0.9, report.OverallConfidence, 1e-9)
}

func TestValidate_ChecksumFailureIsMismatchRegardlessOfManualEntry(t *testing.T) {
	v := NewFieldValidator()
	result := financialResult(
		map[string]string{
			domain.FieldRoutingNumber: "121000249",
			domain.FieldAccountNumber: "000123",
		},
		map[string]float64{
			domain.FieldRoutingNumber: 0.99,
			domain.FieldAccountNumber: 0.99,
		},
	)

	report := v.Validate(result, map[string]string{
		domain.FieldRoutingNumber: "121000249",
		domain.FieldAccountNumber: "000123",
	})

	assert.Equal(t, []string{domain.FieldRoutingNumber}, report.Mismatches)
	assert.Equal(t, []string{domain.FieldAccountNumber}, report.Matches)
	require.Len(t, report.Suggestions, 1)
	assert.Contains(t, report.Suggestions[0], "re-enter")
	// routing scores 0, account keeps its 0.99
	assert.InDelta(t, 0.495, report.OverallConfidence, 1e-9)
}

func TestValidate_NormalizesCaseAndWhitespace(t *testing.T) {
	v := NewFieldValidator()
	result := &domain.ExtractionResult{
		DocumentCategory: domain.CategoryGovernmentID,
		Fields: map[string]string{
			domain.FieldFullName:       "ANNA MARIA  ERIKSSON",
			domain.FieldDocumentNumber: "L898902C3",
		},
		PerFieldConfidence: map[string]float64{
			domain.FieldDocumentNumber: 0.8,
		},
	}

	report := v.Validate(result, map[string]string{
		domain.FieldFullName:       "anna maria eriksson",
		domain.FieldDocumentNumber: "L898902C4",
	})

	assert.Equal(t, []string{domain.FieldFullName}, report.Matches)
	assert.Equal(t, []string{domain.FieldDocumentNumber}, report.Mismatches)
	require.Len(t, report.Suggestions, 1)
	assert.Contains(t, report.Suggestions[0], `"L898902C3"`)
	assert.Contains(t, report.Suggestions[0], `"L898902C4"`)
	assert.InDelta(t, 0.8, report.OverallConfidence, 1e-9)
}

func TestValidate_OverallConfidenceAveragesMandatoryFields(t *testing.T) {
	v := NewFieldValidator()
	result := financialResult(
		map[string]string{
			domain.FieldRoutingNumber: "121000248",
			domain.FieldAccountNumber: "000123",
			domain.FieldBankName:      "Wells Fargo",
		},
		map[string]float64{
			domain.FieldRoutingNumber: 0.9,
			domain.FieldAccountNumber: 0.5,
			domain.FieldBankName:      0.1,
		},
	)

	report := v.Validate(result, nil)

	assert.Empty(t, report.Matches)
	assert.Empty(t, report.Mismatches)
	assert.InDelta(t, 0.7, report.OverallConfidence, 1e-9)
}

func TestValidate_EmptyInput(t *testing.T) {
	v := NewFieldValidator()

	report := v.Validate(nil, nil)
	assert.NotNil(t, report.Matches)
	assert.Equal(t, 0.0, report.OverallConfidence)

	report = v.Validate(&domain.ExtractionResult{DocumentCategory: domain.CategoryGovernmentID}, nil)
	assert.Empty(t, report.Matches)
	assert.Equal(t, 0.0, report.OverallConfidence)
}
