package processor

import (
	"fmt"
	"strings"
	"unicode"
)

// MRZ confidence levels. A field whose ICAO check digit fails is kept but
// drops below the manual review threshold.
const (
	mrzConfidence         = 0.92
	mrzNameConfidence     = 0.88
	mrzBadCheckConfidence = 0.4
)

// ParseMRZ decodes an ICAO 9303 machine readable zone into provider-style
// field names. TD1 (ID cards, 3x30) and TD3 (passports, 2x44) are supported.
// currentYear resolves two-digit birth years.
func ParseMRZ(text string, currentYear int) (*Output, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := range lines {
		lines[i] = strings.ToUpper(strings.TrimSpace(lines[i]))
	}

	m := &mrzFields{
		out:         &Output{Fields: map[string]string{}, Confidence: map[string]float64{}},
		currentYear: currentYear,
	}

	switch {
	case len(lines) == 3 && len(lines[0]) >= 30:
		m.parseTD1(padLine(lines[0], 30), padLine(lines[1], 30), padLine(lines[2], 30))
	case len(lines) == 2 && len(lines[0]) >= 44:
		m.parseTD3(padLine(lines[0], 44), padLine(lines[1], 44))
	default:
		return nil, fmt.Errorf("unrecognized MRZ format: expected TD1 (3 lines) or TD3 (2 lines)")
	}

	return m.out, nil
}

type mrzFields struct {
	out         *Output
	currentYear int
}

func (m *mrzFields) set(key, value string, confidence float64) {
	if value == "" {
		return
	}
	m.out.Fields[key] = value
	m.out.Confidence[key] = confidence
}

// checked stores a value guarded by an ICAO check digit
func (m *mrzFields) checked(key, raw string, check byte, value string) {
	conf := mrzConfidence
	if checkDigit(raw) != check {
		conf = mrzBadCheckConfidence
	}
	m.set(key, value, conf)
}

// TD1 line 1: type(2) state(3) number(9) check(1)
// TD1 line 2: dob(6) check(1) sex(1) expiry(6) check(1) nationality(3)
// TD1 line 3: name
func (m *mrzFields) parseTD1(line1, line2, line3 string) {
	m.set("document_type", cleanMRZ(line1[0:2]), mrzConfidence)
	m.set("issuing_state", cleanMRZ(line1[2:5]), mrzConfidence)
	m.checked("document_number", line1[5:14], line1[14], cleanMRZ(line1[5:14]))

	if dob, ok := mrzDate(line2[0:6], m.currentYear, false); ok {
		m.checked("date_of_birth", line2[0:6], line2[6], dob)
	}
	if expiry, ok := mrzDate(line2[8:14], m.currentYear, true); ok {
		m.checked("expiry_date", line2[8:14], line2[14], expiry)
	}

	m.set("full_name", mrzName(line3), mrzNameConfidence)
}

// TD3 line 1: type(2) state(3) name(39)
// TD3 line 2: number(9) check(1) nationality(3) dob(6) check(1) sex(1) expiry(6) check(1)
func (m *mrzFields) parseTD3(line1, line2 string) {
	m.set("document_type", cleanMRZ(line1[0:2]), mrzConfidence)
	m.set("issuing_state", cleanMRZ(line1[2:5]), mrzConfidence)
	m.set("full_name", mrzName(line1[5:]), mrzNameConfidence)

	m.checked("document_number", line2[0:9], line2[9], cleanMRZ(line2[0:9]))
	if dob, ok := mrzDate(line2[13:19], m.currentYear, false); ok {
		m.checked("date_of_birth", line2[13:19], line2[19], dob)
	}
	if expiry, ok := mrzDate(line2[21:27], m.currentYear, true); ok {
		m.checked("expiry_date", line2[21:27], line2[27], expiry)
	}
}

// checkDigit computes the ICAO 9303 7-3-1 check digit as an ASCII byte
func checkDigit(s string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i, r := range s {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
		default: // filler
			v = 0
		}
		sum += v * weights[i%3]
	}
	return byte('0' + sum%10)
}

// mrzDate converts YYMMDD to YYYY-MM-DD. Expiry dates are always in this
// century; birth dates in the future are moved back one.
func mrzDate(s string, currentYear int, expiry bool) (string, bool) {
	if len(s) != 6 {
		return "", false
	}
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return "", false
		}
	}
	yy := int(s[0]-'0')*10 + int(s[1]-'0')
	year := 2000 + yy
	if !expiry && year > currentYear {
		year -= 100
	}
	return fmt.Sprintf("%04d-%s-%s", year, s[2:4], s[4:6]), true
}

// mrzName turns SURNAME<<GIVEN<NAMES into "GIVEN NAMES SURNAME"
func mrzName(s string) string {
	parts := strings.SplitN(s, "<<", 2)
	surname := cleanMRZName(parts[0])
	given := ""
	if len(parts) == 2 {
		given = cleanMRZName(parts[1])
	}
	return strings.TrimSpace(given + " " + surname)
}

func padLine(line string, length int) string {
	if len(line) >= length {
		return line[:length]
	}
	return line + strings.Repeat("<", length-len(line))
}

func cleanMRZ(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "<", ""))
}

func cleanMRZName(s string) string {
	cleaned := strings.TrimRight(s, "< ")
	cleaned = strings.ReplaceAll(cleaned, "<", " ")
	return strings.TrimSpace(cleaned)
}
