package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max body size
	MaxTextChars    = 2000 // max character count
)

// ValidateBody checks that an outgoing message body meets content
// requirements. A message may carry only an image, so an empty body is
// allowed when hasImage is true.
func ValidateBody(text string, hasImage bool) error {
	if strings.TrimSpace(text) == "" {
		if hasImage {
			return nil
		}
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
