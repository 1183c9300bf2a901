package domain

import (
	"time"
)

// IdentityType distinguishes wallet-connected players from anonymous ones.
// Connected identities get longer claim windows and a higher daily quota.
type IdentityType string

const (
	IdentityConnected IdentityType = "connected"
	IdentityAnonymous IdentityType = "anonymous"
)

type Identity struct {
	ID   string
	Type IdentityType
}

// Question is one served question. CorrectIndex is never sent to clients.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
}

type Answer struct {
	ChosenIndex int   `json:"chosen_index"`
	ElapsedMs   int64 `json:"elapsed_ms"`
	Correct     bool  `json:"correct"`
}

// Session is the ephemeral state of one running game. It lives in the fast
// store as a single JSON value under session:{id} and is gone once completed
// or expired.
type Session struct {
	ID        string     `json:"id"`
	Identity  Identity   `json:"identity"`
	Category  string     `json:"category"`
	Season    string     `json:"season"`
	Questions []Question `json:"questions"`
	Current   int        `json:"current"`
	Score     int        `json:"score"`
	StartedAt time.Time  `json:"started_at"`
	Answers   []Answer   `json:"answers"`
}

type EligibilityType string

const (
	EligibilityCategory EligibilityType = "category"
	EligibilityMaster   EligibilityType = "master"
	EligibilitySeason   EligibilityType = "season"
)

type EligibilityStatus string

const (
	EligibilityActive  EligibilityStatus = "active"
	EligibilityUsed    EligibilityStatus = "used"
	EligibilityExpired EligibilityStatus = "expired"
)

// Eligibility is a time-boxed right, earned by a perfect session, to perform
// one mint or forge. Immutable once used or expired.
type Eligibility struct {
	ID        string
	Type      EligibilityType
	Identity  string
	Ref       string // category or season, depending on Type
	Status    EligibilityStatus
	SessionID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type OperationKind string

const (
	OperationMint  OperationKind = "mint"
	OperationForge OperationKind = "forge"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationConfirmed OperationStatus = "confirmed"
	OperationFailed    OperationStatus = "failed"
)

type ForgeType string

const (
	ForgeCategory ForgeType = "category"
	ForgeMaster   ForgeType = "master"
	ForgeSeason   ForgeType = "season"
)

// Operation is one mint or forge run. EligibilityID is unique per operation
// and is the idempotency key for the whole workflow.
type Operation struct {
	ID            string
	EligibilityID string
	Kind          OperationKind
	ForgeType     ForgeType
	Identity      string
	Destination   string
	CatalogItemID string
	InputTokenIDs []string
	Status        OperationStatus
	TxHashes      []string
	LastStep      string
	StepResults   map[string]string
	Attempts      int
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SeasonPoints is the durable per-identity-per-season standing. AvgAnswerMs
// is maintained incrementally; FirstAchievedAt never regresses once set.
type SeasonPoints struct {
	Identity        string
	Season          string
	Points          int64
	PerfectCount    int64
	TokensMinted    int64
	AvgAnswerMs     float64
	AnswerCount     int64
	SessionsUsed    int64
	FirstAchievedAt time.Time
}

type TokenStatus string

const (
	TokenOwned  TokenStatus = "owned"
	TokenBurned TokenStatus = "burned"
)

type PlayerToken struct {
	ID          string
	Identity    string
	AssetName   string
	PolicyID    string
	Category    string
	Season      string
	Tier        string
	Status      TokenStatus
	OperationID string
	CreatedAt   time.Time
}

type CatalogStatus string

const (
	CatalogAvailable CatalogStatus = "available"
	CatalogReserved  CatalogStatus = "reserved"
	CatalogMinted    CatalogStatus = "minted"
)

type CatalogItem struct {
	ID       string
	Category string
	Season   string
	Name     string
	Tier     string
	Status   CatalogStatus
}

// CompletedSession is the durable record written when a session ends.
type CompletedSession struct {
	ID          string
	Identity    string
	Category    string
	Season      string
	Score       int
	Total       int
	Won         bool
	Perfect     bool
	AvgAnswerMs int64
	DurationMs  int64
	CompletedAt time.Time
}
