package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/TriviaNFT/trivianft/internal/api"
	"github.com/TriviaNFT/trivianft/internal/event"
	"github.com/TriviaNFT/trivianft/internal/identity"
	"github.com/TriviaNFT/trivianft/internal/leaderboard"
	"github.com/TriviaNFT/trivianft/internal/ledger"
	"github.com/TriviaNFT/trivianft/internal/questions"
	"github.com/TriviaNFT/trivianft/internal/reward"
	"github.com/TriviaNFT/trivianft/internal/session"
	"github.com/TriviaNFT/trivianft/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Game struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Identity struct {
		BaseURL      string
		ServiceToken string
	}

	Questions struct {
		BaseURL      string
		ServiceToken string
	}

	Ledger struct {
		BaseURL       string
		APIKey        string
		IssuerKeyHex  string
		IssuerAddress string
	}

	Game struct {
		Season                    string
		QuestionsPerSession       int
		PerQuestionLimitMs        int64
		SessionTTLSeconds         int64
		CooldownSeconds           int64
		WinScore                  int
		PointsPerCorrect          int64
		DailyQuotaConnected       int64
		DailyQuotaAnonymous       int64
		PoolBiasThreshold         int
		NewRatio                  float64
		EligibilityHoursConnected int64
		EligibilityHoursAnonymous int64
	}

	Reward struct {
		MaxStepRetries      int64
		ConfirmDelaySeconds int64
		BudgetSeconds       int64
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			game   redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		session     *session.Service
		leaderboard *leaderboard.Service
		reward      *reward.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init services: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.game, err = connect(s.c.Redis.Game.Addrs, s.c.Redis.Game.Pass)
	if err != nil {
		return fmt.Errorf("game: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	issuer, err := ledger.NewIssuer(s.c.Ledger.IssuerKeyHex)
	if err != nil {
		return fmt.Errorf("ledger issuer: %w", err)
	}

	builder := ledger.NewBuilder(ledger.Config{
		Provider:      ledger.NewHTTPProvider(s.c.Ledger.BaseURL, s.c.Ledger.APIKey),
		Issuer:        issuer,
		IssuerAddress: s.c.Ledger.IssuerAddress,
	})

	s.service.session = session.NewService(session.Config{
		Redis:     s.infra.redis.game,
		Store:     session.NewPGStore(s.infra.postgres),
		Questions: questions.NewHTTPSource(s.c.Questions.BaseURL, s.c.Questions.ServiceToken),
		EventBus:  s.eb,
		Prefix:    s.c.Redis.Game.Prefix,
		Season:    s.c.Game.Season,
		Rules: session.Rules{
			QuestionsPerSession:        s.c.Game.QuestionsPerSession,
			PerQuestionLimitMs:         s.c.Game.PerQuestionLimitMs,
			SessionTTL:                 time.Duration(s.c.Game.SessionTTLSeconds) * time.Second,
			Cooldown:                   time.Duration(s.c.Game.CooldownSeconds) * time.Second,
			WinScore:                   s.c.Game.WinScore,
			PointsPerCorrect:           s.c.Game.PointsPerCorrect,
			DailyQuotaConnected:        s.c.Game.DailyQuotaConnected,
			DailyQuotaAnonymous:        s.c.Game.DailyQuotaAnonymous,
			PoolBiasThreshold:          s.c.Game.PoolBiasThreshold,
			NewRatio:                   s.c.Game.NewRatio,
			EligibilityWindowConnected: time.Duration(s.c.Game.EligibilityHoursConnected) * time.Hour,
			EligibilityWindowAnonymous: time.Duration(s.c.Game.EligibilityHoursAnonymous) * time.Hour,
		},
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Store:    leaderboard.NewPGStore(s.infra.postgres),
		Redis:    s.infra.redis.game,
		Prefix:   s.c.Redis.Game.Prefix,
	})

	s.service.reward = reward.NewService(reward.Config{
		Store:    reward.NewPGStore(s.infra.postgres),
		Builder:  builder,
		EventBus: s.eb,
		Rules: reward.Rules{
			MaxStepRetries: uint64(s.c.Reward.MaxStepRetries),
			ConfirmDelay:   time.Duration(s.c.Reward.ConfirmDelaySeconds) * time.Second,
			WorkflowBudget: time.Duration(s.c.Reward.BudgetSeconds) * time.Second,
			Season:         s.c.Game.Season,
		},
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.RequestLogger())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Identity:     identity.NewHTTPClient(s.c.Identity.BaseURL, s.c.Identity.ServiceToken),
		Session:      s.service.session,
		Leaderboard:  s.service.leaderboard,
		Reward:       s.service.reward,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		Season:       s.c.Game.Season,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		// Pick up operations stranded by a previous crash before serving new
		// traffic for them.
		return s.service.reward.ResumePending(ctx)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()
	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
