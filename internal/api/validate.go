package api

import (
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/flowpbx/voicebridge/internal/bridge"
)

// maxIDLen bounds lead and business identifiers.
const maxIDLen = 128

// e164Re matches an E.164 phone number.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validatePhone checks an E.164 number. Empty is allowed unless required.
func validatePhone(field, value string, required bool) string {
	if value == "" {
		if required {
			return field + " is required"
		}
		return ""
	}
	if !e164Re.MatchString(value) {
		return field + " must be an E.164 number like +15551234567"
	}
	return ""
}

// validateID checks an opaque identifier from the lead service.
func validateID(field, value string) string {
	if msg := validateStringLen(field, value, maxIDLen); msg != "" {
		return msg
	}
	return validateNoControlChars(field, value)
}

func validateGoal(value string) string {
	switch bridge.Goal(value) {
	case "", bridge.GoalLeadOnly, bridge.GoalAppointment:
		return ""
	}
	return "goal must be \"lead_only\" or \"appointment\""
}

func validateDirection(value string) string {
	switch value {
	case "", "inbound", "outbound":
		return ""
	}
	return "direction must be \"inbound\" or \"outbound\""
}

func validateSource(value string) string {
	switch bridge.TranscriptSource(value) {
	case "", bridge.SourceRealtime, bridge.SourceOfflineFallback, bridge.SourceFailed:
		return ""
	}
	return "source must be \"realtime\", \"offline_fallback\" or \"failed\""
}

// validateDate checks a YYYY-MM-DD filter value.
func validateDate(field, value string) string {
	if value == "" {
		return ""
	}
	if _, err := time.Parse(time.DateOnly, value); err != nil {
		return field + " must be a date in YYYY-MM-DD format"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
