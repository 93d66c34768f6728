package types

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	participantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	classroomCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

// MaxContentBytes bounds a single message body.
const MaxContentBytes = 65536

// NormalizeClassroomCode folds full-width characters produced by CJK input
// methods to their ASCII forms, trims and upper-cases the code.
func NormalizeClassroomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(width.Narrow.String(code)))
}

// IsValidClassroomCode checks an already normalized code.
func IsValidClassroomCode(code string) bool {
	return classroomCodeRegex.MatchString(code)
}

// ValidateClassroomCode normalizes and validates a user supplied code.
func ValidateClassroomCode(code string) (string, error) {
	normalized := NormalizeClassroomCode(code)
	if !IsValidClassroomCode(normalized) {
		return "", NewValidationError("code", ErrInvalidClassroomCode)
	}
	return normalized, nil
}

// IsValidParticipantID checks if a participant ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidParticipantID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return participantIDRegex.MatchString(id)
}

// NormalizeDisplayName returns the NFC form of name with surrounding space removed.
// Chinese names typed on different platforms may arrive decomposed.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if n := utf8.RuneCountInString(name); n < 1 || n > 50 {
		return "", NewValidationError("studentName", ErrInvalidDisplayName)
	}
	return name, nil
}

// ValidateContent checks a dialogue message body.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", NewValidationError("content", ErrEmptyContent)
	}
	if len(content) > MaxContentBytes {
		return "", NewValidationError("content", ErrContentTooLarge)
	}
	return content, nil
}

// Validate checks a vote creation request and normalizes its text fields in place.
// ARCHITECTURAL DISCOVERY: the same checks run on the client before sending and
// on the server before applying, so a malformed poll never reaches the network
func (c *CreateVote) Validate() error {
	c.Question = strings.TrimSpace(norm.NFC.String(c.Question))
	if c.Question == "" {
		return NewValidationError("question", ErrEmptyQuestion)
	}
	if len(c.Choices) < MinVoteChoices {
		return NewValidationError("choices", ErrTooFewChoices)
	}
	if len(c.Choices) > MaxVoteChoices {
		return NewValidationError("choices", ErrTooManyChoices)
	}
	for i, choice := range c.Choices {
		choice = strings.TrimSpace(norm.NFC.String(choice))
		if choice == "" {
			return NewValidationError("choices", ErrEmptyChoice)
		}
		c.Choices[i] = choice
	}
	if c.MaxChoices == 0 {
		c.MaxChoices = 1
	}
	if c.MaxChoices < 1 || c.MaxChoices > len(c.Choices) {
		return NewValidationError("maxChoices", ErrInvalidMaxChoices)
	}
	if c.DurationSeconds < 0 {
		c.DurationSeconds = 0
	}
	return nil
}

// ValidateLevel rejects levels outside 1..5.
func ValidateLevel(level DialogueLevel) error {
	if !level.Valid() {
		return NewValidationError("level", ErrInvalidLevel)
	}
	return nil
}

// ValidateControlMode rejects unknown modes.
func ValidateControlMode(mode ControlMode) error {
	if !mode.Valid() {
		return NewValidationError("mode", ErrInvalidControlMode)
	}
	return nil
}
