package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/event"
	"github.com/TriviaNFT/trivianft/internal/identity"
	"github.com/TriviaNFT/trivianft/internal/leaderboard"
	"github.com/TriviaNFT/trivianft/internal/reward"
	"github.com/TriviaNFT/trivianft/internal/session"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Identity     identity.Client
	Session      *session.Service
	Leaderboard  *leaderboard.Service
	Reward       *reward.Service
	Redis        Redis
	PubsubPrefix string
	Season       string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	idc    identity.Client
	ses    *session.Service
	lb     *leaderboard.Service
	rw     *reward.Service
	eb     *event.Bus
	redis  Redis
	prefix string
	season string
}

func New(c Config) *API {
	a := &API{
		idc:    c.Identity,
		ses:    c.Session,
		lb:     c.Leaderboard,
		rw:     c.Reward,
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		season: c.Season,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/sessions", a.startSession)
	v1.POST("/sessions/:id/answers", a.submitAnswer)
	v1.POST("/sessions/:id/complete", a.completeSession)
	v1.GET("/leaderboard", a.getLeaderboard)
	v1.POST("/rewards/mint", a.initiateMint)
	v1.POST("/rewards/forge", a.initiateForge)
	v1.POST("/rewards/forge/unsigned", a.buildUnsignedForge)
	v1.GET("/rewards/operations/:id", a.getOperation)

	c.EventBus.Subscribe(domain.EventNameEligibilityCreated, func(ctx context.Context, e event.Event) error {
		return a.PublishEligibilityCreated(ctx, e.(domain.EventEligibilityCreated))
	})
	c.EventBus.Subscribe(domain.EventNameRewardConfirmed, func(ctx context.Context, e event.Event) error {
		return a.PublishRewardConfirmed(ctx, e.(domain.EventRewardConfirmed))
	})

	return a
}

// resolveIdentity maps the request to a stable player identity: a bearer
// token resolves through the identity service, otherwise the anonymous
// player header is accepted as-is.
func (a *API) resolveIdentity(c *gin.Context) (domain.Identity, bool) {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		id, err := a.idc.Resolve(c.Request.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			a.renderError(c, err)
			return domain.Identity{}, false
		}
		return id, true
	}

	if anon := c.GetHeader("X-Player-ID"); anon != "" {
		return domain.Identity{ID: anon, Type: domain.IdentityAnonymous}, true
	}

	a.renderError(c, errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("bearer token or X-Player-ID required")))
	return domain.Identity{}, false
}

type questionView struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

type sessionView struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Season    string         `json:"season"`
	Questions []questionView `json:"questions"`
	Current   int            `json:"current"`
	Score     int            `json:"score"`
}

// viewOf strips the answer key before a session crosses the API boundary.
func viewOf(ss *domain.Session) sessionView {
	v := sessionView{
		ID:        ss.ID,
		Category:  ss.Category,
		Season:    ss.Season,
		Questions: make([]questionView, 0, len(ss.Questions)),
		Current:   ss.Current,
		Score:     ss.Score,
	}
	for _, q := range ss.Questions {
		v.Questions = append(v.Questions, questionView{ID: q.ID, Text: q.Text, Options: q.Options})
	}
	return v
}

func (a *API) startSession(c *gin.Context) {
	id, ok := a.resolveIdentity(c)
	if !ok {
		return
	}

	var req struct {
		Category string `json:"category"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		a.renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ss, err := a.ses.Start(c.Request.Context(), session.StartRequest{
		Identity: id,
		Category: req.Category,
	})
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, viewOf(ss))
}

func (a *API) submitAnswer(c *gin.Context) {
	if _, ok := a.resolveIdentity(c); !ok {
		return
	}

	var req struct {
		QuestionIndex int   `json:"question_index"`
		OptionIndex   int   `json:"option_index"`
		ElapsedMs     int64 `json:"elapsed_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		a.renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	res, err := a.ses.SubmitAnswer(c.Request.Context(), session.AnswerRequest{
		SessionID:     c.Param("id"),
		QuestionIndex: req.QuestionIndex,
		OptionIndex:   req.OptionIndex,
		ElapsedMs:     req.ElapsedMs,
	})
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"correct":       res.Correct,
		"correct_index": res.CorrectIndex,
		"score":         res.Score,
		"next_index":    res.NextIndex,
		"done":          res.Done,
	})
}

func (a *API) completeSession(c *gin.Context) {
	if _, ok := a.resolveIdentity(c); !ok {
		return
	}

	res, err := a.ses.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.renderError(c, err)
		return
	}

	resp := gin.H{
		"session_id": res.Session.ID,
		"score":      res.Session.Score,
		"total":      res.Session.Total,
		"won":        res.Session.Won,
		"perfect":    res.Session.Perfect,
	}
	if res.Eligibility != nil {
		resp["eligibility"] = gin.H{
			"id":         res.Eligibility.ID,
			"type":       res.Eligibility.Type,
			"ref":        res.Eligibility.Ref,
			"expires_at": res.Eligibility.ExpiresAt,
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) getLeaderboard(c *gin.Context) {
	season := c.DefaultQuery("season", a.season)
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)

	page, err := a.lb.GetPage(c.Request.Context(), leaderboard.PageRequest{
		Season:   season,
		Category: c.Query("category"),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// initiateMint publishes the workflow trigger and returns immediately: the
// mint completes asynchronously and the result lands on the player's pubsub
// channel.
func (a *API) initiateMint(c *gin.Context) {
	id, ok := a.resolveIdentity(c)
	if !ok {
		return
	}

	var req struct {
		EligibilityID string `json:"eligibility_id"`
		Destination   string `json:"destination_address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EligibilityID == "" || req.Destination == "" {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("eligibility_id and destination_address are required")))
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventMintInitiated{
		EligibilityID: req.EligibilityID,
		Identity:      id.ID,
		Destination:   req.Destination,
	})

	c.JSON(http.StatusAccepted, gin.H{"eligibility_id": req.EligibilityID})
}

func (a *API) initiateForge(c *gin.Context) {
	id, ok := a.resolveIdentity(c)
	if !ok {
		return
	}

	var req struct {
		EligibilityID string   `json:"eligibility_id"`
		ForgeType     string   `json:"forge_type"`
		InputTokenIDs []string `json:"input_token_ids"`
		Ref           string   `json:"ref"`
		Destination   string   `json:"destination_address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EligibilityID == "" || len(req.InputTokenIDs) == 0 {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("eligibility_id and input_token_ids are required")))
		return
	}

	a.eb.Publish(c.Request.Context(), domain.EventForgeInitiated{
		EligibilityID: req.EligibilityID,
		ForgeType:     domain.ForgeType(req.ForgeType),
		Identity:      id.ID,
		InputTokenIDs: req.InputTokenIDs,
		Ref:           req.Ref,
		Destination:   req.Destination,
	})

	c.JSON(http.StatusAccepted, gin.H{"eligibility_id": req.EligibilityID})
}

func (a *API) buildUnsignedForge(c *gin.Context) {
	id, ok := a.resolveIdentity(c)
	if !ok {
		return
	}

	var req struct {
		ForgeType     string   `json:"forge_type"`
		InputTokenIDs []string `json:"input_token_ids"`
		OwnerAddress  string   `json:"owner_address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.InputTokenIDs) == 0 || req.OwnerAddress == "" {
		a.renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("forge_type, input_token_ids and owner_address are required")))
		return
	}

	tx, err := a.rw.BuildUnsignedForge(c.Request.Context(), reward.UnsignedForgeRequest{
		Identity:      id.ID,
		ForgeType:     domain.ForgeType(req.ForgeType),
		InputTokenIDs: req.InputTokenIDs,
		OwnerAddress:  req.OwnerAddress,
	})
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tx_hash":     tx.Hash,
		"unsigned_tx": base64.StdEncoding.EncodeToString(tx.Serialized),
	})
}

func (a *API) getOperation(c *gin.Context) {
	if _, ok := a.resolveIdentity(c); !ok {
		return
	}

	kind := domain.OperationKind(c.DefaultQuery("kind", string(domain.OperationMint)))

	op, err := a.rw.GetOperation(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		a.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operation_id": op.ID,
		"status":       op.Status,
		"last_step":    op.LastStep,
		"tx_hashes":    op.TxHashes,
		"error":        op.Error,
	})
}

func (a *API) renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code.String(),
		"message": e.Message,
	})
}
