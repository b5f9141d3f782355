package bot

import (
	"fmt"
	"refsync/entity"
	"refsync/internal/payout"
	"strings"
)

// formatLeaderboard renders both rankings as MarkdownV2.
func formatLeaderboard(kind entity.PublicationKind, lb *entity.Leaderboard) string {
	var sb strings.Builder
	switch kind {
	case entity.PublicationFinal:
		sb.WriteString(fmt.Sprintf("*Final results %s*\n", Sanitize(lb.Period)))
	default:
		sb.WriteString(fmt.Sprintf("*Leaderboard %s* \\(live\\)\n", Sanitize(lb.Period)))
	}

	sb.WriteString(fmt.Sprintf("\n*Invites* \\(%d total\\)\n", lb.TotalInvites))
	if len(lb.Invites) == 0 {
		sb.WriteString("No invites yet\\.\n")
	}
	for _, e := range lb.Invites {
		sb.WriteString(fmt.Sprintf("%d\\. %s: %d\n", e.Rank, Sanitize(e.DisplayName), e.Count))
	}

	sb.WriteString(fmt.Sprintf("\n*Qualified referrals* \\(%d total\\)\n", lb.TotalQualified))
	if len(lb.QualifiedRank) == 0 {
		sb.WriteString("No qualified referrals yet\\.\n")
	}
	for _, e := range lb.QualifiedRank {
		sb.WriteString(fmt.Sprintf("%d\\. %s: %d", e.Rank, Sanitize(e.DisplayName), e.Count))
		if e.Payout > 0 {
			sb.WriteString(Sanitize(fmt.Sprintf(" (%d %s)", e.Payout, lb.Currency)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatStats renders one member's standing in the period.
func formatStats(lb *entity.Leaderboard, memberID string, unit int) string {
	invites := lb.InviteCounts[memberID]
	qualified := lb.Qualified[memberID]
	rank := "-"
	for _, e := range lb.Invites {
		if e.MemberID == memberID {
			rank = fmt.Sprintf("%d", e.Rank)
			break
		}
	}
	return fmt.Sprintf(
		"*Your results for %s*\nInvites: %d\nQualified: %d\nRank: %s\nPayout so far: %s",
		Sanitize(lb.Period), invites, qualified, Sanitize(rank),
		Sanitize(fmt.Sprintf("%d %s", qualified*unit, lb.Currency)),
	)
}

func formatPayoutResult(period string, res payout.Result) string {
	return fmt.Sprintf(
		"Finalized %s\nNotified: %d\nAlready notified: %d\nFailed: %d",
		Sanitize(period), res.Sent, res.Skipped, res.Failed,
	)
}
