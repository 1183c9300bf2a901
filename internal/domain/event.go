package domain

const (
	EventNameEligibilityCreated = "eligibility.created"
	EventNameMintInitiated      = "mint.initiated"
	EventNameForgeInitiated     = "forge.initiated"
	EventNameRewardConfirmed    = "reward.confirmed"
	EventNamePointsUpdated      = "points.updated"
)

type EventEligibilityCreated struct {
	Eligibility Eligibility
}

func (EventEligibilityCreated) Name() string { return EventNameEligibilityCreated }

// EventMintInitiated triggers the mint workflow. Redelivery of the same event
// must not duplicate side effects: the eligibility id alone keys the run.
type EventMintInitiated struct {
	EligibilityID string
	Identity      string
	Destination   string
}

func (EventMintInitiated) Name() string { return EventNameMintInitiated }

type EventForgeInitiated struct {
	EligibilityID string
	ForgeType     ForgeType
	Identity      string
	InputTokenIDs []string
	Ref           string // category or season the forge targets
	Destination   string
}

func (EventForgeInitiated) Name() string { return EventNameForgeInitiated }

type EventRewardConfirmed struct {
	Operation Operation
	Token     PlayerToken
}

func (EventRewardConfirmed) Name() string { return EventNameRewardConfirmed }

// EventPointsUpdated carries one completed session's scoring metadata to the
// leaderboard engine.
type EventPointsUpdated struct {
	Identity    Identity
	Season      string
	Category    string
	PointsDelta int64
	Perfect     bool
	AvgAnswerMs int64
	AnswerCount int64
	CompletedAt int64 // unix seconds, candidate for first_achieved_at
}

func (EventPointsUpdated) Name() string { return EventNamePointsUpdated }
