package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/lib/sl"
	"strings"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
)

// Telegram limits invite link names to 32 characters.
const maxInviteNameLen = 32

var ErrNoGroup = errors.New("no group configured")

// FetchInviteSnapshot returns the use counters of the group's personal invite
// links. Telegram does not expose link usage, so the counters are kept in the
// store and advanced from chat_member updates.
func (t *TgBot) FetchInviteSnapshot(ctx context.Context, groupID int64) (entity.Snapshot, error) {
	if t.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return t.db.InviteCounts(ctx, groupID)
}

// CreateInvite issues a named invite link for the owner and returns the link
// itself, which is the invite code.
func (t *TgBot) CreateInvite(ctx context.Context, groupID int64, ownerID, name string) (string, error) {
	label := inviteName(ownerID, name)
	link, err := t.api.CreateChatInviteLink(groupID, &tgbotapi.CreateChatInviteLinkOpts{
		Name:        label,
		RequestOpts: requestOpts(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("create chat invite link: %w", err)
	}
	if link == nil || link.InviteLink == "" {
		return "", fmt.Errorf("create chat invite link: empty link")
	}
	return link.InviteLink, nil
}

// DisplayName looks the member up in the primary group.
func (t *TgBot) DisplayName(ctx context.Context, memberID string) (string, error) {
	groupID, ok := t.primaryGroup()
	if !ok {
		return "", ErrNoGroup
	}
	userID, err := parseMemberID(memberID)
	if err != nil {
		return "", err
	}
	member, err := t.api.GetChatMember(groupID, userID, &tgbotapi.GetChatMemberOpts{
		RequestOpts: requestOpts(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("get chat member: %w", err)
	}
	return fullName(member.GetUser()), nil
}

// DeliverDirectMessage sends a private message to the member. Unlike
// plainResponse it reports failures, so the caller can retry later.
func (t *TgBot) DeliverDirectMessage(ctx context.Context, memberID, text string) error {
	userID, err := parseMemberID(memberID)
	if err != nil {
		return err
	}
	_, err = t.api.SendMessage(userID, text, &tgbotapi.SendMessageOpts{
		RequestOpts: requestOpts(ctx),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Grant approves the member's pending join request.
func (t *TgBot) Grant(ctx context.Context, app *entity.Application) error {
	userID, err := parseMemberID(app.MemberID)
	if err != nil {
		return err
	}
	_, err = t.api.ApproveChatJoinRequest(app.GroupID, userID, &tgbotapi.ApproveChatJoinRequestOpts{
		RequestOpts: requestOpts(ctx),
	})
	if err != nil && isAlreadyMember(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("approve join request: %w", err)
	}
	t.plainResponse(userID, "Your request to join has been approved\\. Welcome\\!")
	return nil
}

func (t *TgBot) PublishLive(ctx context.Context, lb *entity.Leaderboard) error {
	return t.publish(ctx, entity.PublicationLive, lb)
}

func (t *TgBot) PublishFinal(ctx context.Context, lb *entity.Leaderboard) error {
	return t.publish(ctx, entity.PublicationFinal, lb)
}

// publish posts the leaderboard once per title and edits that message on
// later calls.
func (t *TgBot) publish(ctx context.Context, kind entity.PublicationKind, lb *entity.Leaderboard) error {
	chatID := t.config.ResultsChatID
	if chatID == 0 {
		return ErrNoGroup
	}
	title := entity.PublicationTitle(kind, lb.Period)
	text := formatLeaderboard(kind, lb)
	log := t.log.With(slog.String("title", title), slog.Int64("chat_id", chatID))

	pub, err := t.db.FindPublication(ctx, title)
	if err != nil {
		return fmt.Errorf("find publication: %w", err)
	}
	if pub != nil && pub.ChatID == chatID {
		_, _, err = t.api.EditMessageText(text, &tgbotapi.EditMessageTextOpts{
			ChatId:      chatID,
			MessageId:   pub.MessageID,
			ParseMode:   "MarkdownV2",
			RequestOpts: requestOpts(ctx),
		})
		if err == nil || isNotModified(err) {
			return nil
		}
		log.Warn("editing publication; posting a new one", sl.Err(err))
	}

	msg, err := t.api.SendMessage(chatID, text, &tgbotapi.SendMessageOpts{
		ParseMode:   "MarkdownV2",
		RequestOpts: requestOpts(ctx),
	})
	if err != nil {
		return fmt.Errorf("send publication: %w", err)
	}
	err = t.db.SavePublication(ctx, &entity.Publication{
		Title:     title,
		Kind:      kind,
		Period:    lb.Period,
		ChatID:    chatID,
		MessageID: msg.MessageId,
		UpdatedAt: t.now(),
	})
	if err != nil {
		return fmt.Errorf("save publication: %w", err)
	}
	log.Debug("leaderboard posted")
	return nil
}

func requestOpts(ctx context.Context) *tgbotapi.RequestOpts {
	opts := &tgbotapi.RequestOpts{Timeout: 10 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			opts.Timeout = left
		}
	}
	return opts
}

func inviteName(ownerID, name string) string {
	label := strings.TrimSpace(name)
	if label == "" {
		label = ownerID
	}
	if r := []rune(label); len(r) > maxInviteNameLen {
		label = string(r[:maxInviteNameLen])
	}
	return label
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func isAlreadyMember(err error) bool {
	return strings.Contains(err.Error(), "USER_ALREADY_PARTICIPANT")
}
