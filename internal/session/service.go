package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/event"
	"github.com/TriviaNFT/trivianft/internal/questions"
)

// Store is the durable side of a finished session.
type Store interface {
	InsertSession(ctx context.Context, s domain.CompletedSession) error
	InsertEligibility(ctx context.Context, e domain.Eligibility) error
}

// Rules are the game tuning knobs, loaded from config.
type Rules struct {
	QuestionsPerSession int
	PerQuestionLimitMs  int64
	SessionTTL          time.Duration
	Cooldown            time.Duration
	WinScore            int
	PointsPerCorrect    int64

	DailyQuotaConnected int64
	DailyQuotaAnonymous int64

	// Once a category pool grows past PoolBiasThreshold, drawing keeps
	// NewRatio of each session unseen and fills the rest from already-seen
	// questions, so heavy players keep retiring fresh content at a steady
	// rate.
	PoolBiasThreshold int
	NewRatio          float64

	EligibilityWindowConnected time.Duration
	EligibilityWindowAnonymous time.Duration
}

type Config struct {
	Redis     redis.UniversalClient
	Store     Store
	Questions questions.Source
	EventBus  *event.Bus
	Prefix    string
	Season    string
	Rules     Rules
}

// Service owns the lifecycle of one active game session: creation, per-answer
// validation and scoring, completion and cleanup.
type Service struct {
	redis  redis.UniversalClient
	store  Store
	qs     questions.Source
	eb     *event.Bus
	prefix string
	season string
	rules  Rules
}

func NewService(c Config) *Service {
	return &Service{
		redis:  c.Redis,
		store:  c.Store,
		qs:     c.Questions,
		eb:     c.EventBus,
		prefix: c.Prefix,
		season: c.Season,
		rules:  c.Rules,
	}
}

type StartRequest struct {
	Identity domain.Identity
	Category string
}

// Start begins a new session for the identity. It fails without side effects
// while a session lock, a cooldown, or an exhausted daily quota stands in the
// way.
func (s *Service) Start(ctx context.Context, req StartRequest) (*domain.Session, error) {
	if req.Identity.ID == "" || req.Category == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("identity and category are required"))
	}

	locked, err := s.redis.Exists(ctx, s.lockKey(req.Identity.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check session lock: %w", err)
	}
	if locked > 0 {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("a session is already active for %s", req.Identity.ID))
	}

	cooling, err := s.redis.Exists(ctx, s.cooldownKey(req.Identity.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check cooldown: %w", err)
	}
	if cooling > 0 {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("cooldown in effect for %s", req.Identity.ID))
	}

	count, err := s.redis.Get(ctx, s.dailyKey(req.Identity.ID)).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("check daily counter: %w", err)
	}
	if count >= s.quota(req.Identity.Type) {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("daily session quota reached for %s", req.Identity.ID))
	}

	qs, err := s.drawQuestions(ctx, req.Identity.ID, req.Category)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	ss := &domain.Session{
		ID:        id.String(),
		Identity:  req.Identity,
		Category:  req.Category,
		Season:    s.season,
		Questions: qs,
		StartedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if err := s.redis.Set(ctx, s.sessionKey(ss.ID), data, s.rules.SessionTTL).Err(); err != nil {
		return nil, fmt.Errorf("write session: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, s.lockKey(req.Identity.ID), ss.ID, s.rules.SessionTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent start; undo the session key.
		s.redis.Del(ctx, s.sessionKey(ss.ID))
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("a session is already active for %s", req.Identity.ID))
	}

	return ss, nil
}

type AnswerRequest struct {
	SessionID     string
	QuestionIndex int
	OptionIndex   int
	ElapsedMs     int64
}

type AnswerResult struct {
	Correct      bool
	CorrectIndex int
	Score        int
	NextIndex    int
	Done         bool
}

// SubmitAnswer validates and records one answer. The current-question pointer
// advances by exactly one per accepted answer; a mismatched index or a late
// submission is rejected without touching score or pointer.
func (s *Service) SubmitAnswer(ctx context.Context, req AnswerRequest) (*AnswerResult, error) {
	ss, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if req.QuestionIndex != ss.Current {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question index %d does not match current %d", req.QuestionIndex, ss.Current))
	}
	if ss.Current >= len(ss.Questions) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("all questions already answered"))
	}
	if req.ElapsedMs > s.rules.PerQuestionLimitMs {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("answer exceeded the %dms limit", s.rules.PerQuestionLimitMs))
	}

	q := ss.Questions[ss.Current]
	if req.OptionIndex < 0 || req.OptionIndex >= len(q.Options) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("option index %d out of range", req.OptionIndex))
	}

	correct := req.OptionIndex == q.CorrectIndex
	ss.Answers = append(ss.Answers, domain.Answer{
		ChosenIndex: req.OptionIndex,
		ElapsedMs:   req.ElapsedMs,
		Correct:     correct,
	})
	if correct {
		ss.Score++
	}
	ss.Current++

	if err := s.save(ctx, ss); err != nil {
		return nil, err
	}

	seenKey := s.seenKey(ss.Identity.ID, ss.Category)
	if err := s.redis.SAdd(ctx, seenKey, q.ID).Err(); err != nil {
		return nil, fmt.Errorf("record seen question: %w", err)
	}
	s.redis.Expire(ctx, seenKey, 24*time.Hour)

	return &AnswerResult{
		Correct:      correct,
		CorrectIndex: q.CorrectIndex,
		Score:        ss.Score,
		NextIndex:    ss.Current,
		Done:         ss.Current >= len(ss.Questions),
	}, nil
}

type CompleteResult struct {
	Session     domain.CompletedSession
	Eligibility *domain.Eligibility
}

// Complete finishes the session: persists the durable record, and on a
// perfect score creates the one eligibility this session can ever produce.
// Lock release, daily counter, cooldown and cleanup happen regardless of the
// score.
func (s *Service) Complete(ctx context.Context, sessionID string) (*CompleteResult, error) {
	ss, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	total := len(ss.Questions)

	var sumMs int64
	for _, a := range ss.Answers {
		sumMs += a.ElapsedMs
	}
	var avgMs int64
	if len(ss.Answers) > 0 {
		avgMs = sumMs / int64(len(ss.Answers))
	}

	perfect := total > 0 && ss.Score == total
	done := domain.CompletedSession{
		ID:          ss.ID,
		Identity:    ss.Identity.ID,
		Category:    ss.Category,
		Season:      ss.Season,
		Score:       ss.Score,
		Total:       total,
		Won:         ss.Score >= s.rules.WinScore,
		Perfect:     perfect,
		AvgAnswerMs: avgMs,
		DurationMs:  now.Sub(ss.StartedAt).Milliseconds(),
		CompletedAt: now,
	}

	if err := s.store.InsertSession(ctx, done); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	var elig *domain.Eligibility
	if perfect {
		elig, err = s.createEligibility(ctx, ss, now)
		if err != nil {
			return nil, err
		}
	}

	s.cleanup(ctx, ss)

	s.eb.Publish(ctx, domain.EventPointsUpdated{
		Identity:    ss.Identity,
		Season:      ss.Season,
		Category:    ss.Category,
		PointsDelta: int64(ss.Score) * s.rules.PointsPerCorrect,
		Perfect:     perfect,
		AvgAnswerMs: avgMs,
		AnswerCount: int64(len(ss.Answers)),
		CompletedAt: now.Unix(),
	})

	return &CompleteResult{Session: done, Eligibility: elig}, nil
}

func (s *Service) createEligibility(ctx context.Context, ss *domain.Session, now time.Time) (*domain.Eligibility, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate eligibility id: %w", err)
	}

	window := s.rules.EligibilityWindowAnonymous
	if ss.Identity.Type == domain.IdentityConnected {
		window = s.rules.EligibilityWindowConnected
	}

	e := &domain.Eligibility{
		ID:        id.String(),
		Type:      domain.EligibilityCategory,
		Identity:  ss.Identity.ID,
		Ref:       ss.Category,
		Status:    domain.EligibilityActive,
		SessionID: ss.ID,
		ExpiresAt: now.Add(window),
		CreatedAt: now,
	}

	if err := s.store.InsertEligibility(ctx, *e); err != nil {
		return nil, fmt.Errorf("persist eligibility: %w", err)
	}

	s.eb.Publish(ctx, domain.EventEligibilityCreated{Eligibility: *e})

	return e, nil
}

// cleanup runs the unconditional completion side effects. Errors here are
// logged by the redis hooks and otherwise ignored: the durable record is
// already written and every key expires on its own.
func (s *Service) cleanup(ctx context.Context, ss *domain.Session) {
	s.redis.Del(ctx, s.lockKey(ss.Identity.ID))

	n, err := s.redis.Incr(ctx, s.dailyKey(ss.Identity.ID)).Result()
	if err == nil && n == 1 {
		s.redis.Expire(ctx, s.dailyKey(ss.Identity.ID), 24*time.Hour)
	}

	s.redis.Set(ctx, s.cooldownKey(ss.Identity.ID), ss.ID, s.rules.Cooldown)
	s.redis.Del(ctx, s.sessionKey(ss.ID))
}

func (s *Service) load(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var ss domain.Session
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &ss, nil
}

func (s *Service) save(ctx context.Context, ss *domain.Session) error {
	data, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := s.redis.Set(ctx, s.sessionKey(ss.ID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	return nil
}

// drawQuestions picks the session's questions from the category pool,
// excluding ones the identity already saw today. Past the bias threshold the
// draw keeps the configured share of unseen questions and fills the rest from
// seen ones.
func (s *Service) drawQuestions(ctx context.Context, identity, category string) ([]domain.Question, error) {
	pool, err := s.qs.Pool(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("fetch question pool: %w", err)
	}

	n := s.rules.QuestionsPerSession
	if len(pool) < n {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("category %s has %d questions, need %d", category, len(pool), n))
	}

	seenIDs, err := s.redis.SMembers(ctx, s.seenKey(identity, category)).Result()
	if err != nil {
		return nil, fmt.Errorf("read seen questions: %w", err)
	}
	seen := make(map[string]bool, len(seenIDs))
	for _, id := range seenIDs {
		seen[id] = true
	}

	var unseen, rest []domain.Question
	for _, q := range pool {
		if seen[q.ID] {
			rest = append(rest, q)
		} else {
			unseen = append(unseen, q)
		}
	}
	shuffle(unseen)
	shuffle(rest)

	wantNew := n
	if len(pool) > s.rules.PoolBiasThreshold {
		wantNew = int(float64(n)*s.rules.NewRatio + 0.5)
	}
	if wantNew > len(unseen) {
		wantNew = len(unseen)
	}

	picked := append([]domain.Question{}, unseen[:wantNew]...)
	for _, q := range rest {
		if len(picked) >= n {
			break
		}
		picked = append(picked, q)
	}
	// Fill from the remaining unseen when the seen pile was too small.
	for _, q := range unseen[wantNew:] {
		if len(picked) >= n {
			break
		}
		picked = append(picked, q)
	}

	if len(picked) < n {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("category %s cannot serve %d questions today", category, n))
	}

	shuffle(picked)
	return picked, nil
}

func shuffle(qs []domain.Question) {
	rand.Shuffle(len(qs), func(i, j int) {
		qs[i], qs[j] = qs[j], qs[i]
	})
}

func (s *Service) quota(t domain.IdentityType) int64 {
	if t == domain.IdentityConnected {
		return s.rules.DailyQuotaConnected
	}
	return s.rules.DailyQuotaAnonymous
}

func (s *Service) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *Service) lockKey(identity string) string {
	return fmt.Sprintf("%s:lock:session:%s", s.prefix, identity)
}

func (s *Service) cooldownKey(identity string) string {
	return fmt.Sprintf("%s:cooldown:%s", s.prefix, identity)
}

func (s *Service) dailyKey(identity string) string {
	return fmt.Sprintf("%s:limit:daily:%s:%s", s.prefix, identity, time.Now().UTC().Format("2006-01-02"))
}

func (s *Service) seenKey(identity, category string) string {
	return fmt.Sprintf("%s:seen:%s:%s:%s", s.prefix, identity, category, time.Now().UTC().Format("2006-01-02"))
}
