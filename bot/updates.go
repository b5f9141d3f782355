package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/attribution"
	"refsync/lib/sl"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (t *TgBot) isTrackedMemberUpdate(u *tgbotapi.ChatMemberUpdated) bool {
	return u != nil && t.groups[u.Chat.Id]
}

func (t *TgBot) isTrackedJoinRequest(r *tgbotapi.ChatJoinRequest) bool {
	return r != nil && t.groups[r.Chat.Id]
}

// onChatMember turns a member status change into a join event. Usage of a
// bot-issued invite link is counted before the ledger reads the counters,
// with no other join of the group in between.
func (t *TgBot) onChatMember(_ *tgbotapi.Bot, ctx *ext.Context) error {
	upd := ctx.ChatMember
	if upd == nil || !isJoin(upd) {
		return nil
	}
	user := upd.NewChatMember.GetUser()
	if user.IsBot {
		return nil
	}
	join := entity.JoinEvent{
		GroupID:     upd.Chat.Id,
		MemberID:    memberIDOf(user.Id),
		DisplayName: fullName(user),
		JoinedAt:    time.Unix(upd.Date, 0),
	}
	log := t.log.With(
		slog.Int64("group_id", join.GroupID),
		sl.Member(join.MemberID),
	)

	if t.names != nil {
		t.names.Remember(join.MemberID, join.DisplayName)
	}

	c, cancel := t.callContext()
	defer cancel()

	// counting and diffing happen under the ledger's group lock
	count := func(c context.Context) error {
		link := upd.InviteLink
		if link == nil || link.InviteLink == "" {
			return nil
		}
		found, err := t.db.IncrementInviteUse(c, link.InviteLink)
		if err != nil {
			return err
		}
		if !found {
			log.With(slog.String("link", link.Name)).Debug("join via untracked link")
		}
		return nil
	}

	if t.ledger == nil {
		if err := count(c); err != nil {
			log.Warn("counting invite use", sl.Err(err))
		}
		return nil
	}
	res := t.ledger.HandleCountedJoin(c, join, count)
	if res.Outcome == attribution.OutcomeAttributed {
		t.notifyInviter(res.InviterID, join.DisplayName)
	}
	return nil
}

// onJoinRequest records a pending application for admins to approve.
func (t *TgBot) onJoinRequest(_ *tgbotapi.Bot, ctx *ext.Context) error {
	req := ctx.ChatJoinRequest
	if req == nil {
		return nil
	}
	app := &entity.Application{
		MemberID:    memberIDOf(req.From.Id),
		GroupID:     req.Chat.Id,
		DisplayName: fullName(req.From),
		Status:      entity.ApplicationPending,
		CreatedAt:   time.Unix(req.Date, 0),
	}
	log := t.log.With(
		slog.Int64("group_id", app.GroupID),
		sl.Member(app.MemberID),
	)

	c, cancel := t.callContext()
	defer cancel()

	err := t.db.CreateApplication(c, app)
	if errors.Is(err, entity.ErrDuplicate) {
		log.Debug("application already recorded")
		return nil
	}
	if err != nil {
		log.Error("saving application", sl.Err(err))
		return nil
	}
	log.With(sl.Topic(entity.TopicGrant)).Info("join request received")

	t.notifyAdminsWithKeyboard(
		fmt.Sprintf("Join request: %s \\(`%s`\\)", Sanitize(app.DisplayName), app.MemberID),
		buildApproveButtons(app.MemberID),
	)
	return nil
}

func (t *TgBot) notifyInviter(inviterID, inviteeName string) {
	id, err := parseMemberID(inviterID)
	if err != nil {
		return
	}
	t.plainResponse(id, fmt.Sprintf("%s joined with your invite link\\. Thank you\\!", Sanitize(inviteeName)))
}

// isJoin reports a transition from outside the chat to membership.
func isJoin(u *tgbotapi.ChatMemberUpdated) bool {
	return !isMember(u.OldChatMember) && isMember(u.NewChatMember)
}

func isMember(m tgbotapi.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.GetStatus() {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.MergeChatMember().IsMember
	}
	return false
}
