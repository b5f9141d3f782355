package bot

import (
	"fmt"
	"refsync/internal/period"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

// Callback data prefixes for inline keyboard buttons.
// Telegram limits callback data to 64 bytes, so prefixes are kept short.
const (
	cbApprove  = "a:" // a:<member_id>
	cbFinalize = "f:" // f:<YYYY-MM>
)

func buildApproveButtons(memberID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
			{
				{Text: "Approve ✓", CallbackData: cbApprove + memberID},
			},
		},
	}
}

func buildFinalizeButtons(key period.Key) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
			{
				{Text: "Finalize " + key.String(), CallbackData: cbFinalize + key.String()},
			},
		},
	}
}

// onApproveCallback handles the inline "Approve" button of a join request.
// After approval, replaces the buttons with a confirmation message.
func (t *TgBot) onApproveCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id

	if !t.requireAdmin(chatId) {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Admin access required", ShowAlert: true})
		return nil
	}

	memberID := strings.TrimPrefix(cq.Data, cbApprove)
	ok, err := t.approveApplication(memberID)
	if err != nil {
		t.reportError(chatId, "approve:callback", err)
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Error occurred"})
		return nil
	}
	answer := "Application approved"
	if !ok {
		answer = "Nothing pending for this member"
	}

	if msg := cq.Message; msg != nil {
		if im, ok := msg.(tgbotapi.Message); ok {
			_, _, _ = t.api.EditMessageText(
				fmt.Sprintf("%s\n\n%s by %s", im.Text, answer, fullName(cq.From)),
				&tgbotapi.EditMessageTextOpts{
					ChatId:    chatId,
					MessageId: im.MessageId,
				},
			)
		}
	}

	_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: answer})
	return nil
}

// onFinalizeCallback confirms a /finalize request.
func (t *TgBot) onFinalizeCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id

	if !t.requireAdmin(chatId) || t.finalizer == nil {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Admin access required", ShowAlert: true})
		return nil
	}

	key, err := period.Parse(strings.TrimPrefix(cq.Data, cbFinalize))
	if err != nil {
		_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Invalid period"})
		return nil
	}
	_, _ = cq.Answer(t.api, &tgbotapi.AnswerCallbackQueryOpts{Text: "Finalizing " + key.String()})

	if msg := cq.Message; msg != nil {
		if im, ok := msg.(tgbotapi.Message); ok {
			_, _, _ = t.api.EditMessageReplyMarkup(&tgbotapi.EditMessageReplyMarkupOpts{
				ChatId:    chatId,
				MessageId: im.MessageId,
			})
		}
	}

	t.runFinalize(chatId, key)
	return nil
}
