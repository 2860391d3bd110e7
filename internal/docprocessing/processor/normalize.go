package processor

import (
	"math"
	"sort"
	"strings"

	"github.com/hireflow/hireflow-backend/internal/docprocessing/domain"
)

// fieldAliases maps provider spellings to canonical field names per category.
// Keys are compared after aliasKey folding.
var fieldAliases = map[domain.DocumentCategory]map[string][]string{
	domain.CategoryGovernmentID: {
		domain.FieldDocumentNumber:   {"document_number", "doc_number", "id_number", "passport_number", "license_number", "card_number"},
		domain.FieldExpirationDate:   {"expiration_date", "expiry_date", "date_of_expiry", "expiry", "expires", "valid_until"},
		domain.FieldIssuingAuthority: {"issuing_authority", "authority", "issuer", "issuing_state", "issuing_country", "issued_by"},
		domain.FieldFullName:         {"full_name", "name", "holder_name"},
		domain.FieldDateOfBirth:      {"date_of_birth", "dob", "birth_date"},
		domain.FieldDocumentType:     {"document_type", "doc_type", "type"},
	},
	domain.CategoryFinancialInstrument: {
		domain.FieldRoutingNumber:     {"routing_number", "aba", "aba_number", "routing", "rtn", "routing_transit_number"},
		domain.FieldAccountNumber:     {"account_number", "account", "acct_number", "account_no"},
		domain.FieldBankName:          {"bank_name", "bank", "institution", "financial_institution"},
		domain.FieldAccountType:       {"account_type", "type"},
		domain.FieldAccountHolderName: {"account_holder", "account_holder_name", "holder_name", "name", "payee"},
	},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[domain.DocumentCategory]map[string]string {
	index := make(map[domain.DocumentCategory]map[string]string, len(fieldAliases))
	for category, fields := range fieldAliases {
		lookup := make(map[string]string)
		for canonical, aliases := range fields {
			lookup[aliasKey(canonical)] = canonical
			for _, alias := range aliases {
				lookup[aliasKey(alias)] = canonical
			}
		}
		index[category] = lookup
	}
	return index
}

// aliasKey folds case and separators so documentNumber, document_number and
// "Document Number" collide.
func aliasKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch r {
		case '_', '-', ' ', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Normalize maps provider field names into the category's canonical set.
// Unknown keys and empty values are dropped and returned in ignored. When two
// provider keys map to the same canonical field, the more confident one wins.
// Confidence values are clamped to [0,1]; a field without one, or with NaN,
// gets 0.
func Normalize(category domain.DocumentCategory, out *Output) (fields map[string]string, confidence map[string]float64, ignored []string) {
	fields = make(map[string]string)
	confidence = make(map[string]float64)
	if out == nil {
		return fields, confidence, nil
	}

	keys := make([]string, 0, len(out.Fields))
	for k := range out.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lookup := aliasIndex[category]
	for _, key := range keys {
		value := strings.TrimSpace(out.Fields[key])
		canonical, ok := lookup[aliasKey(key)]
		if !ok || value == "" {
			ignored = append(ignored, key)
			continue
		}

		conf := clamp(out.Confidence[key])
		if existing, seen := confidence[canonical]; seen && existing >= conf {
			ignored = append(ignored, key)
			continue
		}
		fields[canonical] = value
		confidence[canonical] = conf
	}

	return fields, confidence, ignored
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
