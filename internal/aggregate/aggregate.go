// Package aggregate computes per-user top lists and cross-user coincidences.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/scrobble-stats/internal/errors"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
	"github.com/scrobble-stats/internal/types"
)

// Counts maps an entity key to per-user scrobble counts
type Counts map[string]map[string]int

// Add increments the count of entity for user
func (c Counts) Add(entity, user string, n int) {
	if entity == "" || n == 0 {
		return
	}
	perUser, ok := c[entity]
	if !ok {
		perUser = make(map[string]int)
		c[entity] = perUser
	}
	perUser[user] += n
}

// Total sums an entity's counts over users; nil users means everyone
func (c Counts) Total(entity string, users []string) int {
	perUser := c[entity]
	if users == nil {
		total := 0
		for _, n := range perUser {
			total += n
		}
		return total
	}
	total := 0
	for _, u := range users {
		total += perUser[u]
	}
	return total
}

// Merge adds other into c
func (c Counts) Merge(other Counts) {
	for entity, perUser := range other {
		for user, n := range perUser {
			c.Add(entity, user, n)
		}
	}
}

// Keyer extracts the entity keys an event contributes to
type Keyer func(e *models.ListeningEvent) []string

// ArtistKeyer keys events by artist
func ArtistKeyer(e *models.ListeningEvent) []string { return []string{e.ArtistKey()} }

// TrackKeyer keys events by "artist - track"
func TrackKeyer(e *models.ListeningEvent) []string { return []string{e.TrackKey()} }

// AlbumKeyer keys events by "artist - album", skipping events without an album
func AlbumKeyer(e *models.ListeningEvent) []string {
	if key := e.AlbumKey(); key != "" {
		return []string{key}
	}
	return nil
}

// KeyerFor returns the keyer of an event-intrinsic entity kind
func KeyerFor(kind types.EntityKind) (Keyer, error) {
	switch kind {
	case types.EntityArtist:
		return ArtistKeyer, nil
	case types.EntityTrack:
		return TrackKeyer, nil
	case types.EntityAlbum:
		return AlbumKeyer, nil
	default:
		return nil, fmt.Errorf("entity kind %q needs enrichment data", kind)
	}
}

// CountEntities counts events inside w by the keys keyer assigns
func CountEntities(events []*models.ListeningEvent, w period.Window, keyer Keyer) Counts {
	counts := make(Counts)
	for _, e := range events {
		if !w.Contains(e.Timestamp) {
			continue
		}
		for _, key := range keyer(e) {
			counts.Add(key, e.User, 1)
		}
	}
	return counts
}

// TopN ranks entities by their total over users, ties by entity key.
// Entities nobody in users played are excluded; n <= 0 returns every entity.
func TopN(counts Counts, users []string, n int) []models.RankedEntity {
	ranked := make([]models.RankedEntity, 0, len(counts))
	for entity, perUser := range counts {
		row := models.RankedEntity{Entity: entity, Users: make(map[string]int)}
		for _, u := range users {
			if c := perUser[u]; c > 0 {
				row.Users[u] = c
				row.Total += c
			}
		}
		if row.Total > 0 {
			ranked = append(ranked, row)
		}
	}
	sortRanked(ranked)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// UserTopN ranks a single user's entities
func UserTopN(counts Counts, user string, n int) []models.RankedEntity {
	ranked := TopN(counts, []string{user}, n)
	for i := range ranked {
		ranked[i].Users = nil
	}
	return ranked
}

func sortRanked(ranked []models.RankedEntity) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Total != ranked[j].Total {
			return ranked[i].Total > ranked[j].Total
		}
		return ranked[i].Entity < ranked[j].Entity
	})
}

// Coincidences returns entities present in at least minUsers users' own top-n lists,
// each annotated with those users' counts. Global popularity alone never qualifies an entity.
func Coincidences(counts Counts, users []string, n, minUsers int) ([]models.Coincidence, error) {
	if minUsers < 1 {
		return nil, errors.NewInvalidParameterError("minUsers", "must be positive")
	}

	contributors := make(map[string]map[string]int)
	for _, u := range users {
		for _, row := range UserTopN(counts, u, n) {
			if contributors[row.Entity] == nil {
				contributors[row.Entity] = make(map[string]int)
			}
			contributors[row.Entity][u] = row.Total
		}
	}

	result := make([]models.Coincidence, 0)
	for entity, perUser := range contributors {
		if len(perUser) < minUsers {
			continue
		}
		c := models.Coincidence{Entity: entity, Users: perUser}
		for _, count := range perUser {
			c.Total += count
		}
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		if len(result[i].Users) != len(result[j].Users) {
			return len(result[i].Users) > len(result[j].Users)
		}
		if result[i].Total != result[j].Total {
			return result[i].Total > result[j].Total
		}
		return result[i].Entity < result[j].Entity
	})

	if err := CheckCoincidences(result, minUsers); err != nil {
		return nil, err
	}
	return result, nil
}

// CheckCoincidences fails hard if any entry has fewer than minUsers contributors
func CheckCoincidences(result []models.Coincidence, minUsers int) error {
	for _, c := range result {
		if len(c.Users) < minUsers {
			return errors.NewInvariantError("coincidence below minimum user count", map[string]interface{}{
				"entity":   c.Entity,
				"users":    len(c.Users),
				"minUsers": minUsers,
			})
		}
	}
	return nil
}

// CoincidenceTiers splits the coincidences into one tier per user-count level,
// from every user down to minUsers. An entity shared by k users appears in
// every tier whose level is at most k. Fewer users than minUsers yields no tiers.
func CoincidenceTiers(counts Counts, users []string, n, minUsers int) ([]models.CoincidenceTier, error) {
	all, err := Coincidences(counts, users, n, minUsers)
	if err != nil {
		return nil, err
	}

	tiers := make([]models.CoincidenceTier, 0)
	for level := len(users); level >= minUsers; level-- {
		tier := models.CoincidenceTier{MinUsers: level, Coincidences: make([]models.Coincidence, 0)}
		for _, c := range all {
			if len(c.Users) >= level {
				tier.Coincidences = append(tier.Coincidences, c)
			}
		}
		if err := CheckCoincidences(tier.Coincidences, level); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// SharedEntities counts the entities both users played at least once
func SharedEntities(counts Counts, a, b string) int {
	shared := 0
	for _, perUser := range counts {
		if perUser[a] > 0 && perUser[b] > 0 {
			shared++
		}
	}
	return shared
}
