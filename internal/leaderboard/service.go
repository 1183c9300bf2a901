package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/event"
)

// Update is one read-modify-write against the durable season points record.
type Update struct {
	Identity          string
	Season            string
	PointsDelta       int64
	PerfectDelta      int64
	TokensMintedDelta int64
	SessionsDelta     int64
	// AvgAnswerMs/AnswerCount fold one session's answer-time sample into the
	// running average.
	AvgAnswerMs int64
	AnswerCount int64
	// AchievedAt is the candidate first-achieved timestamp. The stored value
	// never regresses once set.
	AchievedAt time.Time
}

// CategoryStanding aggregates one identity's completed sessions within a
// category, the source for category ladders.
type CategoryStanding struct {
	Identity     string
	Points       int64
	PerfectCount int64
	AvgAnswerMs  float64
	SessionsUsed int64
	FirstAt      time.Time
}

type Store interface {
	// Apply performs the transactional read-modify-write and returns the
	// record after the commit.
	Apply(ctx context.Context, u Update) (domain.SeasonPoints, error)
	Get(ctx context.Context, identity, season string) (domain.SeasonPoints, error)
	GetMany(ctx context.Context, identities []string, season string) (map[string]domain.SeasonPoints, error)
	CategoryStanding(ctx context.Context, identity, category, season string) (CategoryStanding, error)
}

type Config struct {
	EventBus *event.Bus
	Store    Store
	Redis    redis.UniversalClient
	Prefix   string
}

// Service maintains the durable season standings and the derived sorted
// ladders in the fast store. The ladders are rebuilt per identity on every
// update and are never the source of truth.
type Service struct {
	eb     *event.Bus
	store  Store
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		store:  c.Store,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	if s.eb != nil {
		s.eb.Subscribe(domain.EventNamePointsUpdated, func(ctx context.Context, e event.Event) error {
			return s.ApplySessionResult(ctx, e.(domain.EventPointsUpdated))
		})
		s.eb.Subscribe(domain.EventNameRewardConfirmed, func(ctx context.Context, e event.Event) error {
			ev := e.(domain.EventRewardConfirmed)
			return s.RecordMint(ctx, ev.Token.Identity, ev.Token.Season)
		})
	}

	return s
}

// ApplySessionResult folds one completed session into the identity's season
// standing and category ladder.
func (s *Service) ApplySessionResult(ctx context.Context, e domain.EventPointsUpdated) error {
	var perfect int64
	if e.Perfect {
		perfect = 1
	}

	u := Update{
		Identity:      e.Identity.ID,
		Season:        e.Season,
		PointsDelta:   e.PointsDelta,
		PerfectDelta:  perfect,
		SessionsDelta: 1,
		AvgAnswerMs:   e.AvgAnswerMs,
		AnswerCount:   e.AnswerCount,
		AchievedAt:    time.Unix(e.CompletedAt, 0).UTC(),
	}

	if err := s.UpdatePoints(ctx, u); err != nil {
		return err
	}

	return s.updateCategoryLadder(ctx, e.Identity.ID, e.Category, e.Season)
}

// RecordMint bumps the minted-token dimension after a confirmed reward.
func (s *Service) RecordMint(ctx context.Context, identity, season string) error {
	return s.UpdatePoints(ctx, Update{
		Identity:          identity,
		Season:            season,
		TokensMintedDelta: 1,
		AchievedAt:        time.Now().UTC(),
	})
}

// UpdatePoints commits the durable update, then rebuilds the identity's
// global ladder entry from the committed record. The ladder write never
// happens before the durable commit.
func (s *Service) UpdatePoints(ctx context.Context, u Update) error {
	sp, err := s.store.Apply(ctx, u)
	if err != nil {
		return fmt.Errorf("apply season points update: %w", err)
	}

	key := s.globalKey(u.Season)
	if err := s.rebuildEntry(ctx, key, s.entryKey(key), sp); err != nil {
		return fmt.Errorf("rebuild ladder entry: %w", err)
	}

	return nil
}

func (s *Service) updateCategoryLadder(ctx context.Context, identity, category, season string) error {
	st, err := s.store.CategoryStanding(ctx, identity, category, season)
	if err != nil {
		return fmt.Errorf("category standing: %w", err)
	}

	sp := domain.SeasonPoints{
		Identity:        identity,
		Season:          season,
		Points:          st.Points,
		PerfectCount:    st.PerfectCount,
		AvgAnswerMs:     st.AvgAnswerMs,
		SessionsUsed:    st.SessionsUsed,
		FirstAchievedAt: st.FirstAt,
	}

	key := s.categoryKey(category, season)
	if err := s.rebuildEntry(ctx, key, s.entryKey(key), sp); err != nil {
		return fmt.Errorf("rebuild category ladder entry: %w", err)
	}

	return nil
}

// rebuildEntry derives the identity's ladder member wholesale from the
// durable record: remove the stale member, insert the recomputed one. The
// companion hash remembers each identity's current member so the stale one
// can be found without scanning.
func (s *Service) rebuildEntry(ctx context.Context, ladderKey, entryKey string, sp domain.SeasonPoints) error {
	member := EncodeMember(sp)

	old, err := s.redis.HGet(ctx, entryKey, sp.Identity).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read current member: %w", err)
	}
	if old != "" && old != member {
		if err := s.redis.ZRem(ctx, ladderKey, old).Err(); err != nil {
			return fmt.Errorf("remove stale member: %w", err)
		}
	}

	if err := s.redis.ZAdd(ctx, ladderKey, redis.Z{Score: 0, Member: member}).Err(); err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	if err := s.redis.HSet(ctx, entryKey, sp.Identity, member).Err(); err != nil {
		return fmt.Errorf("remember member: %w", err)
	}

	return nil
}

type PageRequest struct {
	Season   string
	Category string // empty for the global ladder
	Offset   int64
	Limit    int64
}

type Entry struct {
	Rank         int64   `json:"rank"`
	Identity     string  `json:"identity"`
	Points       int64   `json:"points"`
	TokensMinted int64   `json:"tokens_minted"`
	PerfectCount int64   `json:"perfect_count"`
	AvgAnswerMs  float64 `json:"avg_answer_ms"`
	SessionsUsed int64   `json:"sessions_used"`
}

type Page struct {
	Entries []Entry `json:"entries"`
	Total   int64   `json:"total"`
	HasMore bool    `json:"has_more"`
}

// GetPage returns one leaderboard page, resolving ladder membership against
// the durable store for display fields. HasMore is computed from the ladder's
// total cardinality.
func (s *Service) GetPage(ctx context.Context, req PageRequest) (*Page, error) {
	if req.Limit <= 0 || req.Limit > 100 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("limit must be in 1..100"))
	}
	if req.Offset < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("offset must not be negative"))
	}

	key := s.globalKey(req.Season)
	if req.Category != "" {
		key = s.categoryKey(req.Category, req.Season)
	}

	total, err := s.redis.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ladder cardinality: %w", err)
	}

	members, err := s.redis.ZRevRangeByLex(ctx, key, &redis.ZRangeBy{
		Max:    "+",
		Min:    "-",
		Offset: req.Offset,
		Count:  req.Limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read ladder page: %w", err)
	}

	identities := make([]string, 0, len(members))
	for _, m := range members {
		id, err := DecodeMember(m)
		if err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}

	records, err := s.store.GetMany(ctx, identities, req.Season)
	if err != nil {
		return nil, fmt.Errorf("resolve ladder identities: %w", err)
	}

	page := &Page{
		Entries: make([]Entry, 0, len(identities)),
		Total:   total,
		HasMore: req.Offset+int64(len(identities)) < total,
	}
	for i, id := range identities {
		sp := records[id]
		page.Entries = append(page.Entries, Entry{
			Rank:         req.Offset + int64(i) + 1,
			Identity:     id,
			Points:       sp.Points,
			TokensMinted: sp.TokensMinted,
			PerfectCount: sp.PerfectCount,
			AvgAnswerMs:  sp.AvgAnswerMs,
			SessionsUsed: sp.SessionsUsed,
		})
	}

	return page, nil
}

func (s *Service) globalKey(season string) string {
	return fmt.Sprintf("%s:ladder:global:%s", s.prefix, season)
}

func (s *Service) categoryKey(category, season string) string {
	return fmt.Sprintf("%s:ladder:category:%s:%s", s.prefix, category, season)
}

func (s *Service) entryKey(ladderKey string) string {
	return ladderKey + ":entries"
}
