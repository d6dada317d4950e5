// Generic data manipulation utilities.

package main

import (
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

// Length of canonical text form of UUID: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
const uuidStringLength = 36

// isValidId checks that the string is a non-nil UUID in canonical form.
func isValidId(id string) bool {
	if len(id) != uuidStringLength {
		return false
	}
	parsed, err := uuid.Parse(id)
	return err == nil && parsed != uuid.Nil
}

// validIds checks every id in the list. Empty list is valid.
func validIds(ids []string) bool {
	for _, id := range ids {
		if !isValidId(id) {
			return false
		}
	}
	return true
}

// normalizeText converts text to NFC and checks that it's not blank and is no longer
// than maxLen grapheme clusters. Zero maxLen means no limit.
func normalizeText(text string, maxLen int) (string, bool) {
	text = norm.NFC.String(text)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	if maxLen > 0 && uniseg.GraphemeClusterCount(text) > maxLen {
		return "", false
	}
	return text, true
}

// Truncate long text for logging.
func truncateForLog(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "<...>"
}

// isRoutableIP checks if the string is a public IP address.
func isRoutableIP(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}
