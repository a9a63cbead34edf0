package conversation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/eldtechnologies/livechat/internal/models"
)

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	return name
}

// isValidEmail reports whether email is empty or looks like an address.
func isValidEmail(email string) bool {
	if email == "" {
		return true
	}
	if len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}

// sanitizeParticipant cleans visitor-supplied details. Invalid emails are dropped.
func sanitizeParticipant(p models.Participant) models.Participant {
	p.Name = sanitizeName(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	if !isValidEmail(p.Email) {
		p.Email = ""
	}
	return p
}
