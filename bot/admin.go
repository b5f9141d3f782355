package bot

import (
	"context"
	"fmt"
	"refsync/entity"
	"refsync/internal/period"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

// applications lists pending and approved join requests.
// Sends an approve button for each pending one.
func (t *TgBot) applications(_ *tgbotapi.Bot, ctx *ext.Context) error {
	if t.db == nil {
		return nil
	}
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	c, cancel := t.callContext()
	defer cancel()

	pending, err := t.db.ListApplications(c, entity.ApplicationPending)
	if err != nil {
		t.reportError(chatId, "/applications", err)
		return nil
	}
	approved, err := t.db.ListApplications(c, entity.ApplicationApproved)
	if err != nil {
		t.reportError(chatId, "/applications", err)
		return nil
	}

	if len(pending) == 0 && len(approved) == 0 {
		t.plainResponse(chatId, "No open applications\\.")
		return nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Applications* \\(%d pending, %d awaiting grant\\)\n", len(pending), len(approved)))
	for _, app := range approved {
		line := fmt.Sprintf("  %s (%s) attempts:%d", app.DisplayName, app.MemberID, app.Attempts)
		if app.LastError != "" {
			line += " last error: " + app.LastError
		}
		sb.WriteString(Sanitize(line) + "\n")
	}
	for _, part := range splitMessage(sb.String(), maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}

	for _, app := range pending {
		t.sendWithKeyboard(chatId,
			fmt.Sprintf("Pending: %s \\(`%s`\\)", Sanitize(app.DisplayName), app.MemberID),
			buildApproveButtons(app.MemberID),
		)
	}
	return nil
}

// approve marks a pending application approved; the grant poller admits the member.
func (t *TgBot) approve(_ *tgbotapi.Bot, ctx *ext.Context) error {
	if t.db == nil {
		return nil
	}
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/approve <member_id>`")
		return nil
	}

	ok, err := t.approveApplication(args[1])
	if err != nil {
		t.reportError(chatId, "/approve", err)
		return nil
	}
	if !ok {
		t.plainResponse(chatId, "No pending application for "+Sanitize(args[1]))
		return nil
	}
	t.plainResponse(chatId, "Application "+Sanitize(args[1])+" approved\\. Access will be granted shortly\\.")
	return nil
}

func (t *TgBot) approveApplication(memberID string) (bool, error) {
	c, cancel := t.callContext()
	defer cancel()
	return t.db.ApproveApplication(c, strings.TrimSpace(memberID), t.now())
}

// finalize runs finalization for a period, by default the previous one.
// Members already notified for this or a later period are skipped.
func (t *TgBot) finalize(_ *tgbotapi.Bot, ctx *ext.Context) error {
	if t.finalizer == nil {
		return nil
	}
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	key := t.cal.Current(t.now()).Previous()
	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) > 1 {
		parsed, err := period.Parse(args[1])
		if err != nil {
			t.plainResponse(chatId, "Usage: `/finalize [YYYY-MM]`")
			return nil
		}
		key = parsed
	}

	t.sendWithKeyboard(chatId,
		fmt.Sprintf("Finalize *%s* and send payout notices?", Sanitize(key.String())),
		buildFinalizeButtons(key),
	)
	return nil
}

func (t *TgBot) runFinalize(chatId int64, key period.Key) {
	// the controller bounds each external call itself
	res, err := t.finalizer.Finalize(context.Background(), key)
	if err != nil {
		t.reportError(chatId, "/finalize", err)
		return
	}
	t.plainResponse(chatId, formatPayoutResult(key.String(), res))
}
