package leaderboard_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/leaderboard"
)

func TestService_UpdatePoints(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps exactly one ladder member per identity across updates", func(t *testing.T) {
		s, ms, _ := makeService(t)

		for i := 0; i < 3; i++ {
			err := s.UpdatePoints(ctx, leaderboard.Update{
				Identity:      "alice",
				Season:        "s1",
				PointsDelta:   100,
				SessionsDelta: 1,
				AchievedAt:    time.Unix(1_700_000_000, 0).UTC(),
			})
			require.NoError(t, err)
		}

		members, err := ms.ZMembers("test:ladder:global:s1")
		require.NoError(t, err)
		require.Len(t, members, 1)
	})

	t.Run("ladder reflects the committed record, not the delta", func(t *testing.T) {
		s, _, _ := makeService(t)

		require.NoError(t, s.UpdatePoints(ctx, leaderboard.Update{
			Identity: "alice", Season: "s1", PointsDelta: 100, SessionsDelta: 1,
		}))
		require.NoError(t, s.UpdatePoints(ctx, leaderboard.Update{
			Identity: "alice", Season: "s1", PointsDelta: 50, SessionsDelta: 1,
		}))

		page, err := s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Limit: 10})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		require.Equal(t, int64(150), page.Entries[0].Points)
		require.Equal(t, int64(2), page.Entries[0].SessionsUsed)
	})

	t.Run("durable store failure leaves the ladder untouched", func(t *testing.T) {
		s, ms, store := makeService(t)
		store.fail = fmt.Errorf("postgres down")

		err := s.UpdatePoints(ctx, leaderboard.Update{Identity: "alice", Season: "s1", PointsDelta: 100})
		require.Error(t, err)
		require.False(t, ms.Exists("test:ladder:global:s1"))
	})
}

func TestService_GetPage(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, s *leaderboard.Service) {
		// carol > alice > bob: carol wins on points, alice beats bob on the
		// latency tie-break.
		for _, u := range []leaderboard.Update{
			{Identity: "alice", Season: "s1", PointsDelta: 300, SessionsDelta: 1, AvgAnswerMs: 2000, AnswerCount: 3},
			{Identity: "bob", Season: "s1", PointsDelta: 300, SessionsDelta: 1, AvgAnswerMs: 6000, AnswerCount: 3},
			{Identity: "carol", Season: "s1", PointsDelta: 500, SessionsDelta: 1, AvgAnswerMs: 9000, AnswerCount: 3},
		} {
			require.NoError(t, s.UpdatePoints(ctx, u))
		}
	}

	t.Run("orders by composite score with ranks from the requested offset", func(t *testing.T) {
		s, _, _ := makeService(t)
		seed(t, s)

		page, err := s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Limit: 10})
		require.NoError(t, err)
		require.Equal(t, int64(3), page.Total)
		require.False(t, page.HasMore)

		ids := make([]string, 0, len(page.Entries))
		for _, e := range page.Entries {
			ids = append(ids, e.Identity)
		}
		require.Equal(t, []string{"carol", "alice", "bob"}, ids)
		require.Equal(t, int64(1), page.Entries[0].Rank)
		require.Equal(t, int64(3), page.Entries[2].Rank)
	})

	t.Run("paginates with HasMore from the ladder cardinality", func(t *testing.T) {
		s, _, _ := makeService(t)
		seed(t, s)

		page, err := s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Offset: 0, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		require.True(t, page.HasMore)

		page, err = s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Offset: 2, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		require.Equal(t, int64(3), page.Entries[0].Rank)
		require.Equal(t, "bob", page.Entries[0].Identity)
		require.False(t, page.HasMore)
	})

	t.Run("rejects out-of-range limits", func(t *testing.T) {
		s, _, _ := makeService(t)

		_, err := s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Limit: 0})
		require.True(t, errors.IsCode(err, errors.CodeInvalidArgument), "got: %v", err)

		_, err = s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Limit: 101})
		require.True(t, errors.IsCode(err, errors.CodeInvalidArgument), "got: %v", err)
	})

	t.Run("empty ladder returns an empty page", func(t *testing.T) {
		s, _, _ := makeService(t)

		page, err := s.GetPage(ctx, leaderboard.PageRequest{Season: "s1", Limit: 10})
		require.NoError(t, err)
		require.Empty(t, page.Entries)
		require.Equal(t, int64(0), page.Total)
		require.False(t, page.HasMore)
	})
}

func TestService_ApplySessionResult(t *testing.T) {
	ctx := context.Background()

	t.Run("feeds both the global and the category ladder", func(t *testing.T) {
		s, ms, store := makeService(t)
		store.standing = leaderboard.CategoryStanding{
			Identity:     "alice",
			Points:       300,
			PerfectCount: 1,
			AvgAnswerMs:  2000,
			SessionsUsed: 1,
			FirstAt:      time.Unix(1_700_000_000, 0).UTC(),
		}

		err := s.ApplySessionResult(ctx, domain.EventPointsUpdated{
			Identity:    domain.Identity{ID: "alice", Type: domain.IdentityConnected},
			Season:      "s1",
			Category:    "science",
			PointsDelta: 300,
			Perfect:     true,
			AvgAnswerMs: 2000,
			AnswerCount: 3,
			CompletedAt: 1_700_000_000,
		})
		require.NoError(t, err)

		global, err := ms.ZMembers("test:ladder:global:s1")
		require.NoError(t, err)
		require.Len(t, global, 1)

		cat, err := ms.ZMembers("test:ladder:category:science:s1")
		require.NoError(t, err)
		require.Len(t, cat, 1)
	})

	t.Run("a confirmed reward bumps the minted dimension", func(t *testing.T) {
		s, _, store := makeService(t)

		require.NoError(t, s.RecordMint(ctx, "alice", "s1"))

		sp := store.records["alice|s1"]
		require.Equal(t, int64(1), sp.TokensMinted)
	})
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]domain.SeasonPoints
	standing leaderboard.CategoryStanding
	fail     error
}

func (f *fakeStore) key(identity, season string) string {
	return identity + "|" + season
}

func (f *fakeStore) Apply(_ context.Context, u leaderboard.Update) (domain.SeasonPoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		return domain.SeasonPoints{}, f.fail
	}

	sp := f.records[f.key(u.Identity, u.Season)]
	sp.Identity = u.Identity
	sp.Season = u.Season
	sp.Points += u.PointsDelta
	sp.PerfectCount += u.PerfectDelta
	sp.TokensMinted += u.TokensMintedDelta
	sp.SessionsUsed += u.SessionsDelta
	if u.AnswerCount > 0 {
		sp.AnswerCount += u.AnswerCount
		sp.AvgAnswerMs += float64(u.AnswerCount) * (float64(u.AvgAnswerMs) - sp.AvgAnswerMs) / float64(sp.AnswerCount)
	}
	if sp.FirstAchievedAt.IsZero() {
		sp.FirstAchievedAt = u.AchievedAt
	}

	f.records[f.key(u.Identity, u.Season)] = sp
	return sp, nil
}

func (f *fakeStore) Get(_ context.Context, identity, season string) (domain.SeasonPoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[f.key(identity, season)], nil
}

func (f *fakeStore) GetMany(_ context.Context, identities []string, season string) (map[string]domain.SeasonPoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]domain.SeasonPoints, len(identities))
	for _, id := range identities {
		out[id] = f.records[f.key(id, season)]
	}
	return out, nil
}

func (f *fakeStore) CategoryStanding(_ context.Context, identity, category, season string) (leaderboard.CategoryStanding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.standing, nil
}

func makeService(t *testing.T) (*leaderboard.Service, *miniredis.Miniredis, *fakeStore) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ms := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{ms.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	store := &fakeStore{records: make(map[string]domain.SeasonPoints)}

	s := leaderboard.NewService(leaderboard.Config{
		Store:  store,
		Redis:  rc,
		Prefix: "test",
	})

	return s, ms, store
}
