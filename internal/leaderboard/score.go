package leaderboard

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/TriviaNFT/trivianft/internal/domain"
)

// The composite score packs every ranking dimension into one exact integer,
// most significant first. Later fields only ever break ties among equal
// earlier fields. Each field saturates at its digit width.
//
//	points(8) tokensMinted(4) perfectCount(4) latency(5) sessions(4) achieved(10)
//
// Latency and sessions are inverted so that lower average answer time and
// fewer sessions rank higher; achieved inverts a bounded unix timestamp so
// the earlier standing wins the final tie-break.
//
// The integer spans 35 digits, past anything a float64 ZSET score can hold
// exactly, so entries are ranked lexicographically: the encoded score is a
// zero-padded string prefix of the member itself.
const (
	capPoints   = 99_999_999
	capTokens   = 9_999
	capPerfects = 9_999
	capLatency  = 99_999
	capSessions = 9_999
	capAchieved = 9_999_999_999

	encodedWidth = 35
)

var (
	weightPoints   = decimal.New(1, 27)
	weightTokens   = decimal.New(1, 23)
	weightPerfects = decimal.New(1, 19)
	weightLatency  = decimal.New(1, 14)
	weightSessions = decimal.New(1, 10)
)

// CompositeScore computes the exact ranking integer for a season points
// record.
func CompositeScore(sp domain.SeasonPoints) decimal.Decimal {
	points := clamp(sp.Points, capPoints)
	tokens := clamp(sp.TokensMinted, capTokens)
	perfects := clamp(sp.PerfectCount, capPerfects)
	latency := capLatency - clamp(int64(sp.AvgAnswerMs), capLatency)
	sessions := capSessions - clamp(sp.SessionsUsed, capSessions)

	var achieved int64
	if !sp.FirstAchievedAt.IsZero() {
		achieved = capAchieved - clamp(sp.FirstAchievedAt.Unix(), capAchieved)
	}

	score := decimal.NewFromInt(points).Mul(weightPoints)
	score = score.Add(decimal.NewFromInt(tokens).Mul(weightTokens))
	score = score.Add(decimal.NewFromInt(perfects).Mul(weightPerfects))
	score = score.Add(decimal.NewFromInt(latency).Mul(weightLatency))
	score = score.Add(decimal.NewFromInt(sessions).Mul(weightSessions))
	score = score.Add(decimal.NewFromInt(achieved))

	return score
}

// EncodeMember builds the ZSET member for an identity: the zero-padded score
// followed by the identity, so lexicographic member order is score order.
func EncodeMember(sp domain.SeasonPoints) string {
	return fmt.Sprintf("%0*s|%s", encodedWidth, CompositeScore(sp).String(), sp.Identity)
}

// DecodeMember recovers the identity from a ladder member.
func DecodeMember(member string) (string, error) {
	if len(member) <= encodedWidth+1 || member[encodedWidth] != '|' {
		return "", fmt.Errorf("malformed ladder member: %q", member)
	}
	return member[encodedWidth+1:], nil
}

func clamp(v, cap int64) int64 {
	if v < 0 {
		return 0
	}
	if v > cap {
		return cap
	}
	return v
}
