package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"agentstream/internal/core/domain"
)

const (
	// MaxScriptInput bounds the text of one speak request.
	MaxScriptInput = 40000
	MaxChatMessage = 10000
	maxIDLength    = 100
)

var (
	// IDRegex matches agent, stream and chat ids.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateID validates an agent, stream or chat id. field names the value in
// the error.
func ValidateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateScript checks a speak script. Errors wrap domain.ErrInvalidScript.
func ValidateScript(script domain.Script) error {
	switch script.Type {
	case "text":
		if strings.TrimSpace(script.Input) == "" {
			return fmt.Errorf("%w: text script needs input", domain.ErrInvalidScript)
		}
		if err := ValidateStringLength(script.Input, 1, MaxScriptInput, "script input"); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidScript, err)
		}
	case "audio":
		if script.AudioURL == "" {
			return fmt.Errorf("%w: audio script needs audio_url", domain.ErrInvalidScript)
		}
		if err := ValidateURL(script.AudioURL, "http", "https"); err != nil {
			return fmt.Errorf("%w: audio_url: %v", domain.ErrInvalidScript, err)
		}
	default:
		return fmt.Errorf("%w: unknown script type %q", domain.ErrInvalidScript, script.Type)
	}
	return nil
}

// ValidateChatMessage validates the text of one user chat message.
func ValidateChatMessage(text string) error {
	if err := ValidateNonEmptyString(text, "message"); err != nil {
		return err
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid characters")
	}
	return ValidateStringLength(text, 1, MaxChatMessage, "message")
}

// ValidateURL validates an absolute URL. When schemes is not empty the URL
// scheme must be one of them.
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if len(schemes) == 0 {
		return nil
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid URL scheme %q (must be %s)", u.Scheme, strings.Join(schemes, " or "))
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
