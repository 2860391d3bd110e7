package validation

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
)

// routingWeights are the ABA routing transit number weights
var routingWeights = [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}

// FieldValidator scores extraction results against checksum rules and
// manually entered values. It performs no I/O.
type FieldValidator struct{}

// NewFieldValidator creates a new field validator
func NewFieldValidator() *FieldValidator {
	return &FieldValidator{}
}

// ValidationResult contains the result of a single-value validation
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Message   string `json:"message,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// ValidateRoutingNumber validates a US bank routing number
// Format: 9 digits, weighted checksum 3-7-1
func (v *FieldValidator) ValidateRoutingNumber(routing string) *ValidationResult {
	clean := cleanRoutingNumber(routing)

	if len(clean) != 9 || !allDigits(clean) {
		return &ValidationResult{
			Valid:   false,
			Message: "Routing number must be exactly 9 digits",
		}
	}

	if !ValidRoutingChecksum(clean) {
		return &ValidationResult{
			Valid:   false,
			Message: "Invalid routing number checksum",
		}
	}

	return &ValidationResult{
		Valid:     true,
		Formatted: clean,
	}
}

// ValidRoutingChecksum reports whether s is nine digits whose weighted sum is
// divisible by 10.
func ValidRoutingChecksum(s string) bool {
	if len(s) != 9 || !allDigits(s) {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(s[i]-'0') * routingWeights[i]
	}
	return sum%10 == 0
}

// Validate compares result against manualEntry. Financial instruments get a
// routing checksum first; a failing routing number is a mismatch whatever the
// manual entry says. A nil result yields an empty report.
func (v *FieldValidator) Validate(result *domain.ExtractionResult, manualEntry map[string]string) *domain.ValidationReport {
	report := domain.NewValidationReport()
	if result == nil {
		return report
	}

	failedChecksum := make(map[string]bool)
	if result.DocumentCategory == domain.CategoryFinancialInstrument {
		if routing, ok := result.Fields[domain.FieldRoutingNumber]; ok {
			if !ValidRoutingChecksum(cleanRoutingNumber(routing)) {
				failedChecksum[domain.FieldRoutingNumber] = true
				report.Mismatches = append(report.Mismatches, domain.FieldRoutingNumber)
				report.Suggestions = append(report.Suggestions,
					fmt.Sprintf("%s %q fails the routing checksum; please re-enter it", domain.FieldRoutingNumber, routing))
			}
		}
	}

	for _, key := range comparisonOrder(result, manualEntry) {
		if failedChecksum[key] {
			continue
		}
		extracted := result.Fields[key]
		entered := manualEntry[key]
		if normalizeValue(extracted) == normalizeValue(entered) {
			report.Matches = append(report.Matches, key)
			continue
		}
		report.Mismatches = append(report.Mismatches, key)
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("%s: extracted %q but entered %q; confirm which is correct", key, extracted, entered))
	}

	report.OverallConfidence = overallConfidence(result, failedChecksum)
	return report
}

// comparisonOrder lists keys present in both maps: canonical fields first,
// then the rest sorted.
func comparisonOrder(result *domain.ExtractionResult, manualEntry map[string]string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, key := range result.DocumentCategory.CanonicalFields() {
		seen[key] = true
		if inBoth(key, result.Fields, manualEntry) {
			keys = append(keys, key)
		}
	}

	var rest []string
	for key := range result.Fields {
		if !seen[key] && inBoth(key, result.Fields, manualEntry) {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func inBoth(key string, a, b map[string]string) bool {
	_, inA := a[key]
	_, inB := b[key]
	return inA && inB
}

// overallConfidence averages the mandatory fields present. A field that
// failed its checksum scores 0 inside the mean.
func overallConfidence(result *domain.ExtractionResult, failedChecksum map[string]bool) float64 {
	var sum float64
	var n int
	for _, key := range result.DocumentCategory.MandatoryFields() {
		if _, ok := result.Fields[key]; !ok {
			continue
		}
		if !failedChecksum[key] {
			sum += result.PerFieldConfidence[key]
		}
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func normalizeValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func cleanRoutingNumber(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(s))
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
