package utils

import (
	"strings"

	"github.com/badoux/checkmail"
)

// UsableEmail reports whether addr is a syntactically valid e-mail address.
// No network lookups happen here; enrollment must stay cheap.
func UsableEmail(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	return checkmail.ValidateFormat(addr) == nil
}

// HasUsableAddress reports whether a lead can be reached by e-mail or phone.
func HasUsableAddress(email, phone string) bool {
	if UsableEmail(email) {
		return true
	}
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7
}
