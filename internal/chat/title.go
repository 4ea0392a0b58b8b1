package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/suPer8Hu/tenant-chat/internal/models"
)

const maxTitleChars = 50

// TitleFromMessage derives a conversation title from the first user message: whitespace
// collapsed, at most 50 characters, "..." appended when cut.
func TitleFromMessage(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return models.DefaultConversationTitle
	}
	if utf8.RuneCountInString(s) <= maxTitleChars {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:maxTitleChars-3]), " ") + "..."
}
