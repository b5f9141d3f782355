package bot

import (
	"fmt"
	"log/slog"
	"refsync/lib/sl"
	"strconv"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
)

func (t *TgBot) plainResponse(chatId int64, text string) {
	if text == "" {
		t.log.With("id", chatId).Debug("empty message")
		return
	}

	_, err := t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		t.log.With(slog.Int64("id", chatId)).Warn("sending message", sl.Err(err))
		_, err = t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{})
		if err != nil {
			t.log.With(slog.Int64("id", chatId)).Error("sending safe message", sl.Err(err))
		}
	}
}

func Sanitize(input string) string {
	reservedChars := "\\_{}#+-.!|()[]=*~`>"
	var sb strings.Builder
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			sb.WriteRune('\\')
		}
		sb.WriteRune(char)
	}
	return sb.String()
}

func (t *TgBot) requireAdmin(chatId int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	user, ok := t.operators[chatId]
	if !ok {
		return false
	}
	return user.IsAdmin()
}

func (t *TgBot) admins() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int64, len(t.adminIds))
	copy(ids, t.adminIds)
	return ids
}

func (t *TgBot) notifyAdmins(msg string) {
	for _, id := range t.admins() {
		t.plainResponse(id, msg)
	}
}

func (t *TgBot) notifyAdminsWithKeyboard(msg string, keyboard tgbotapi.InlineKeyboardMarkup) {
	for _, id := range t.admins() {
		t.sendWithKeyboard(id, msg, keyboard)
	}
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}
		// Try to split at newline
		cutAt := maxLen
		nlIdx := strings.LastIndex(text[:maxLen], "\n")
		if nlIdx > 0 {
			cutAt = nlIdx + 1
		}
		parts = append(parts, text[:cutAt])
		text = text[cutAt:]
	}
	return parts
}

// sendWithKeyboard sends a message with an inline keyboard attached.
func (t *TgBot) sendWithKeyboard(chatId int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	if text == "" {
		return
	}
	_, err := t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{
		ParseMode:   "MarkdownV2",
		ReplyMarkup: keyboard,
	})
	if err != nil {
		t.log.With(slog.Int64("id", chatId)).Warn("sending message with keyboard", sl.Err(err))
		// Fallback: try without markdown
		_, err = t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{
			ReplyMarkup: keyboard,
		})
		if err != nil {
			t.log.With(slog.Int64("id", chatId)).Error("sending message with keyboard fallback", sl.Err(err))
		}
	}
}

// reportError logs the error, notifies admins with details, and sends a neutral message to the user.
func (t *TgBot) reportError(chatId int64, command string, err error) {
	t.log.Error("bot command failed",
		slog.String("command", command),
		slog.Int64("user_id", chatId),
		sl.Err(err),
	)
	t.notifyAdmins(fmt.Sprintf(
		"Command `%s` failed\nUser: `%d`\nError: `%s`",
		Sanitize(command), chatId, Sanitize(err.Error()),
	))
	t.plainResponse(chatId, "Something went wrong\\. Please try again later\\.")
}

// Member ids are Telegram user ids in decimal.
func memberIDOf(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func parseMemberID(memberID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(memberID), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid member id %q", memberID)
	}
	return id, nil
}

func fullName(u tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName + " " + u.LastName))
	if name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return memberIDOf(u.Id)
}
