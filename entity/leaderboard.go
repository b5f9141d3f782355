package entity

// RankedEntry is one row of a published ranking.
type RankedEntry struct {
	Rank        int    `json:"rank"`
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
	Count       int    `json:"count"`
	Payout      int    `json:"payout,omitempty"`
}

// Leaderboard holds both rankings of a period. InviteCounts and Qualified
// keep the full, untruncated counts per inviter; payouts use Qualified.
type Leaderboard struct {
	Period         string         `json:"period"`
	Invites        []RankedEntry  `json:"invites"`
	QualifiedRank  []RankedEntry  `json:"qualified"`
	InviteCounts   map[string]int `json:"-"`
	Qualified      map[string]int `json:"-"`
	TotalInvites   int            `json:"total_invites"`
	TotalQualified int            `json:"total_qualified"`
	Currency       string         `json:"currency,omitempty"`
}
