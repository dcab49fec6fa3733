package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
	"github.com/scrobble-stats/internal/types"
)

var (
	windowStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	testWindow  = period.Window{Kind: types.PeriodMonthly, Start: windowStart, End: windowStart.AddDate(0, 1, 0)}
)

func plays(user, artist, track string, n int, at time.Time) []*models.ListeningEvent {
	events := make([]*models.ListeningEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, &models.ListeningEvent{
			User:      user,
			Artist:    artist,
			Track:     track,
			Timestamp: at.Add(time.Duration(i) * time.Minute),
		})
	}
	return events
}

func TestCountEntitiesHonorsWindowBounds(t *testing.T) {
	var events []*models.ListeningEvent
	events = append(events, plays("u1", "A", "t", 2, windowStart)...)
	events = append(events, plays("u1", "A", "t", 1, testWindow.End)...)
	events = append(events, plays("u1", "A", "t", 1, windowStart.Add(-time.Second))...)

	counts := CountEntities(events, testWindow, ArtistKeyer)
	assert.Equal(t, 2, counts["A"]["u1"])
}

func TestTopNOrderingAndTies(t *testing.T) {
	counts := Counts{}
	counts.Add("B", "u1", 5)
	counts.Add("A", "u2", 5)
	counts.Add("C", "u1", 9)
	counts.Add("D", "u3", 50)

	top := TopN(counts, []string{"u1", "u2"}, 10)
	require.Len(t, top, 3)
	assert.Equal(t, "C", top[0].Entity)
	assert.Equal(t, "A", top[1].Entity, "equal totals break by key")
	assert.Equal(t, "B", top[2].Entity)

	top = TopN(counts, []string{"u1", "u2"}, 2)
	assert.Len(t, top, 2)
}

func TestCoincidencesEndToEnd(t *testing.T) {
	var events []*models.ListeningEvent
	events = append(events, plays("user1", "A", "x", 30, windowStart)...)
	events = append(events, plays("user2", "A", "y", 45, windowStart.Add(time.Hour))...)
	events = append(events, plays("user1", "Solo", "z", 80, windowStart)...)

	counts := CountEntities(events, testWindow, ArtistKeyer)
	result, err := Coincidences(counts, []string{"user1", "user2"}, 10, 2)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "A", result[0].Entity)
	assert.Equal(t, map[string]int{"user1": 30, "user2": 45}, result[0].Users)
	assert.Equal(t, 75, result[0].Total)
}

func TestCoincidencesRequireOwnTopN(t *testing.T) {
	counts := Counts{}
	// Popular overall, but only in u1's own top-1
	counts.Add("Hit", "u1", 500)
	counts.Add("Hit", "u2", 1)
	counts.Add("Fav", "u2", 10)

	result, err := Coincidences(counts, []string{"u1", "u2"}, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestCoincidencesRejectsBadMinUsers(t *testing.T) {
	_, err := Coincidences(Counts{}, []string{"u1"}, 10, 0)
	assert.Error(t, err)
}

func TestCheckCoincidencesIsInvariant(t *testing.T) {
	err := CheckCoincidences([]models.Coincidence{{Entity: "A", Users: map[string]int{"u1": 3}}}, 2)
	require.Error(t, err)
	assert.True(t, errors.IsInvariantViolation(err))
}

func TestKeyerFor(t *testing.T) {
	_, err := KeyerFor(types.EntityArtist)
	assert.NoError(t, err)
	_, err = KeyerFor(types.EntityGenre)
	assert.Error(t, err)

	album := "LP"
	assert.Equal(t, []string{"A - LP"}, AlbumKeyer(&models.ListeningEvent{Artist: "A", Album: &album}))
	assert.Nil(t, AlbumKeyer(&models.ListeningEvent{Artist: "A"}))
}

// Property: no coincidence ever has fewer than minUsers contributors,
// however skewed the global counts are.
func TestCoincidencesMinUsersProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	users := []string{"u0", "u1", "u2", "u3"}

	properties.Property("coincidences respect minUsers", prop.ForAll(
		func(cells []int, n, minUsers int) bool {
			counts := Counts{}
			for i, c := range cells {
				entity := fmt.Sprintf("e%d", i%7)
				counts.Add(entity, users[i%len(users)], c)
			}
			result, err := Coincidences(counts, users, n, minUsers)
			if err != nil {
				return false
			}
			for _, c := range result {
				if len(c.Users) < minUsers {
					return false
				}
				for u, count := range c.Users {
					if counts[c.Entity][u] != count {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 1000)),
		gen.IntRange(1, 5),
		gen.IntRange(2, 4),
	))

	properties.TestingRun(t)
}

func TestCoincidenceTiers(t *testing.T) {
	counts := Counts{}
	for _, u := range []string{"u1", "u2", "u3"} {
		counts.Add("Everyone", u, 10)
	}
	counts.Add("Pair", "u1", 5)
	counts.Add("Pair", "u2", 7)
	counts.Add("Solo", "u3", 50)

	tiers, err := CoincidenceTiers(counts, []string{"u1", "u2", "u3"}, 10, 2)
	require.NoError(t, err)
	require.Len(t, tiers, 2)

	assert.Equal(t, 3, tiers[0].MinUsers)
	require.Len(t, tiers[0].Coincidences, 1)
	assert.Equal(t, "Everyone", tiers[0].Coincidences[0].Entity)

	assert.Equal(t, 2, tiers[1].MinUsers)
	require.Len(t, tiers[1].Coincidences, 2)
	assert.Equal(t, "Everyone", tiers[1].Coincidences[0].Entity)
	assert.Equal(t, "Pair", tiers[1].Coincidences[1].Entity)
	assert.Equal(t, 12, tiers[1].Coincidences[1].Total)
}

func TestCoincidenceTiersTooFewUsers(t *testing.T) {
	counts := Counts{}
	counts.Add("A", "u1", 3)

	tiers, err := CoincidenceTiers(counts, []string{"u1"}, 10, 2)
	require.NoError(t, err)
	assert.NotNil(t, tiers)
	assert.Empty(t, tiers)

	_, err = CoincidenceTiers(counts, []string{"u1"}, 10, 0)
	assert.Error(t, err)
}

func TestSharedEntities(t *testing.T) {
	counts := Counts{}
	counts.Add("A", "u1", 3)
	counts.Add("A", "u2", 1)
	counts.Add("B", "u1", 9)
	counts.Add("C", "u2", 2)
	counts.Add("C", "u3", 2)

	assert.Equal(t, 1, SharedEntities(counts, "u1", "u2"))
	assert.Equal(t, 1, SharedEntities(counts, "u2", "u3"))
	assert.Equal(t, 0, SharedEntities(counts, "u1", "u3"))
}

// Property: every tier only holds entities shared by at least its level,
// and a lower tier is always a superset of the one above it.
func TestCoincidenceTiersProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	users := []string{"u0", "u1", "u2", "u3"}

	properties.Property("tiers are nested and respect their level", prop.ForAll(
		func(cells []int, n, minUsers int) bool {
			counts := Counts{}
			for i, c := range cells {
				counts.Add(fmt.Sprintf("e%d", i%5), users[(i/5)%len(users)], c)
			}
			tiers, err := CoincidenceTiers(counts, users, n, minUsers)
			if err != nil || len(tiers) != len(users)-minUsers+1 {
				return false
			}
			for i, tier := range tiers {
				if tier.MinUsers != len(users)-i {
					return false
				}
				for _, c := range tier.Coincidences {
					if len(c.Users) < tier.MinUsers {
						return false
					}
				}
				if i > 0 && len(tier.Coincidences) < len(tiers[i-1].Coincidences) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 1000)),
		gen.IntRange(1, 5),
		gen.IntRange(2, 4),
	))

	properties.TestingRun(t)
}
