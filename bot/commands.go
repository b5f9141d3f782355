package bot

import (
	"fmt"
	"refsync/entity"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

const helpMember = `*Commands*
/invite \- get your personal invite link
/stats \- your invites this month
/top \- current leaderboard
/help \- this message`

const helpAdmin = `

*Admin*
/applications \- join requests
/approve \<member\_id\> \- approve a join request
/finalize \[YYYY\-MM\] \- finalize a month and send payouts`

func (t *TgBot) start(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if ctx.EffectiveChat != nil && ctx.EffectiveChat.Type != "private" {
		return nil
	}
	t.plainResponse(chatId, fmt.Sprintf(
		"Hi %s\\! Invite friends with your personal link and get rewarded for every friend who becomes a customer\\.\n\n%s",
		Sanitize(fullName(*ctx.EffectiveUser)), helpMember,
	))
	if t.requireAdmin(chatId) {
		t.setUserCommands(chatId, true)
	}
	return nil
}

// invite returns the member's personal link, creating it on first use.
func (t *TgBot) invite(_ *tgbotapi.Bot, ctx *ext.Context) error {
	if t.ledger == nil {
		return nil
	}
	user := ctx.EffectiveUser
	chatId := user.Id
	groupID, ok := t.primaryGroup()
	if !ok {
		t.plainResponse(chatId, "Invites are not available right now\\.")
		return nil
	}

	c, cancel := t.callContext()
	defer cancel()

	inv, err := t.ledger.RequestInvite(c, groupID, memberIDOf(chatId), fullName(*user))
	if err != nil {
		t.reportError(chatId, "/invite", err)
		return nil
	}
	t.plainResponse(chatId, fmt.Sprintf(
		"Your personal invite link:\n%s\n\nEvery friend who joins with it counts for you\\.",
		Sanitize(inv.Code),
	))
	return nil
}

// stats shows the member's counts for the running period.
func (t *TgBot) stats(_ *tgbotapi.Bot, ctx *ext.Context) error {
	if t.rankings == nil {
		return nil
	}
	chatId := ctx.EffectiveUser.Id

	c, cancel := t.callContext()
	defer cancel()

	lb, err := t.rankings.Aggregate(c, t.cal.Current(t.now()))
	if err != nil {
		t.reportError(chatId, "/stats", err)
		return nil
	}
	t.plainResponse(chatId, formatStats(lb, memberIDOf(chatId), t.rankings.PayoutUnit()))
	return nil
}

// top shows the live leaderboard of the running period.
func (t *TgBot) top(_ *tgbotapi.Bot, ctx *ext.Context) error {
	if t.rankings == nil {
		return nil
	}
	chatId := ctx.EffectiveChat.Id

	c, cancel := t.callContext()
	defer cancel()

	lb, err := t.rankings.Aggregate(c, t.cal.Current(t.now()))
	if err != nil {
		t.reportError(chatId, "/top", err)
		return nil
	}
	for _, part := range splitMessage(formatLeaderboard(entity.PublicationLive, lb), maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}
	return nil
}

func (t *TgBot) help(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	var sb strings.Builder
	sb.WriteString(helpMember)
	if t.requireAdmin(chatId) {
		sb.WriteString(helpAdmin)
		sb.WriteString("\n\nAlert topics: " + Sanitize(strings.Join(entity.AllTopics(), ", ")))
	}
	t.plainResponse(ctx.EffectiveChat.Id, sb.String())
	return nil
}
