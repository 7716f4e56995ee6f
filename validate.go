package dazee

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Request limits enforced at the façade.
const (
	maxMessageRunes = 32768
	maxIDRunes      = 128
	maxFileCount    = 16
)

// zeroWidthChars maps Unicode zero-width and invisible characters that hide
// content from length checks and the intent classifier.
var zeroWidthChars = strings.NewReplacer(
	"\u200B", " ", // zero-width space
	"\u200C", " ", // zero-width non-joiner
	"\u200D", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"\u2060", " ", // word joiner
	"\u180E", " ", // Mongolian vowel separator
	"\u00AD", "", // soft hyphen (removed, not replaced)
)

// normalizeText strips zero-width characters and applies NFKC so fullwidth
// Latin, ligatures and mathematical alphanumerics compare as plain text.
func normalizeText(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}

// validateChatRequest checks and normalizes a chat.send payload in place.
// Rejection happens here, before any session or conversation row exists.
func validateChatRequest(req *ChatRequest) error {
	if req == nil {
		return &ErrValidation{Reason: "empty request"}
	}
	if !utf8.ValidString(req.Message) {
		return &ErrValidation{Field: "message", Reason: "not valid UTF-8"}
	}
	req.Message = strings.TrimSpace(normalizeText(req.Message))
	if req.Message == "" {
		return &ErrValidation{Field: "message", Reason: "required"}
	}
	if n := utf8.RuneCountInString(req.Message); n > maxMessageRunes {
		return &ErrValidation{Field: "message", Reason: fmt.Sprintf("%d runes over the %d limit", n, maxMessageRunes)}
	}
	if err := validateID("user_id", req.UserID, true); err != nil {
		return err
	}
	if err := validateID("conversation_id", req.ConversationID, false); err != nil {
		return err
	}
	if err := validateID("agent_id", req.AgentID, false); err != nil {
		return err
	}
	if len(req.Files) > maxFileCount {
		return &ErrValidation{Field: "files", Reason: fmt.Sprintf("%d attachments over the %d limit", len(req.Files), maxFileCount)}
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" {
			return &ErrValidation{Field: fmt.Sprintf("files[%d].name", i), Reason: "required"}
		}
		if f.Path == "" && len(f.Data) == 0 {
			return &ErrValidation{Field: fmt.Sprintf("files[%d]", i), Reason: "needs a path or inline data"}
		}
	}
	return nil
}

// validateID enforces the shape shared by user, conversation and agent ids.
func validateID(field, v string, required bool) error {
	if v == "" {
		if required {
			return &ErrValidation{Field: field, Reason: "required"}
		}
		return nil
	}
	if utf8.RuneCountInString(v) > maxIDRunes {
		return &ErrValidation{Field: field, Reason: "too long"}
	}
	for _, r := range v {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return &ErrValidation{Field: field, Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}
