// Package recommend scores user pairs by the superlatives, genres and labels they share.
package recommend

import (
	"sort"

	"github.com/scrobble-stats/internal/models"
)

// Match categories and their weights
const (
	CategoryOneHitWonder = "one_hit_wonder"
	CategoryGoldenOldie  = "golden_oldie"
	CategoryClimber      = "climber"
	CategoryStreak       = "streak_leader"
	CategoryDiscovery    = "obsessive_discovery"
	CategoryPersistent   = "persistent_artist"
	CategoryGenre        = "genre"
	CategoryLabel        = "label"

	WeightOneHitWonder = 1.5
	WeightGoldenOldie  = 1.1
	WeightClimber      = 1.3
	WeightStreak       = 1.2
	WeightDiscovery    = 1.2
	WeightPersistent   = 1.4

	// Flat bonuses added on top of the weighted sum
	GenreBonus = 0.05
	LabelBonus = 0.10

	DefaultEvidenceLimit = 10
)

var weightedCategories = []struct {
	name   string
	weight float64
	pick   func(models.UserSuperlatives) map[string]int
}{
	{CategoryOneHitWonder, WeightOneHitWonder, func(s models.UserSuperlatives) map[string]int {
		out := make(map[string]int)
		for _, o := range s.OneHitWonders {
			out[o.Artist] = o.Count
		}
		return out
	}},
	{CategoryGoldenOldie, WeightGoldenOldie, func(s models.UserSuperlatives) map[string]int {
		out := make(map[string]int)
		for _, g := range s.GoldenOldies {
			out[g.Artist] = g.LifetimeCount
		}
		return out
	}},
	{CategoryClimber, WeightClimber, func(s models.UserSuperlatives) map[string]int {
		out := make(map[string]int)
		for _, c := range s.Climbers {
			out[c.Artist] = c.Plays
		}
		return out
	}},
	{CategoryStreak, WeightStreak, func(s models.UserSuperlatives) map[string]int {
		out := make(map[string]int)
		for _, st := range s.Streaks {
			out[st.Artist] = st.Plays
		}
		return out
	}},
	{CategoryDiscovery, WeightDiscovery, func(s models.UserSuperlatives) map[string]int {
		out := make(map[string]int)
		for _, d := range s.Discoveries {
			out[d.Entity] = d.Count
		}
		return out
	}},
	{CategoryPersistent, WeightPersistent, func(s models.UserSuperlatives) map[string]int {
		out := make(map[string]int)
		for _, p := range s.Persistent {
			out[p.Entity] = p.Total
		}
		return out
	}},
}

// Profile is one user's scoring input
type Profile struct {
	User         string
	Superlatives models.UserSuperlatives
	// Genres holds the user's top (source, tag) keys with their scrobble weight
	Genres map[models.TagKey]float64
	// Labels holds the user's top labels with their scrobble counts
	Labels map[string]int
}

// ProfileFromLists builds a profile from a user's payload sections
func ProfileFromLists(user string, sup models.UserSuperlatives, lists models.UserTopLists) Profile {
	p := Profile{User: user, Superlatives: sup, Genres: make(map[models.TagKey]float64), Labels: make(map[string]int)}
	for _, tags := range lists.Genres {
		for _, t := range tags {
			p.Genres[t.Key()] = t.Weight
		}
	}
	for _, l := range lists.Labels {
		p.Labels[l.Entity] = l.Total
	}
	return p
}

// Scorer computes the pairwise recommendation matrix
type Scorer struct {
	evidenceLimit int
}

// NewScorer creates a scorer keeping at most evidenceLimit entities per pair
func NewScorer(evidenceLimit int) *Scorer {
	if evidenceLimit <= 0 {
		evidenceLimit = DefaultEvidenceLimit
	}
	return &Scorer{evidenceLimit: evidenceLimit}
}

// Score evaluates every unordered pair once and mirrors the result, so the matrix is symmetric
func (s *Scorer) Score(profiles []Profile) models.Recommendations {
	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].User < sorted[j].User })

	rec := models.Recommendations{
		Matrix: make(map[string]map[string]float64, len(sorted)),
		Pairs:  make([]models.PairScore, 0),
	}
	for _, p := range sorted {
		rec.Matrix[p.User] = make(map[string]float64)
	}

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pair := s.scorePair(sorted[i], sorted[j])
			rec.Matrix[pair.UserA][pair.UserB] = pair.Score
			rec.Matrix[pair.UserB][pair.UserA] = pair.Score
			rec.Pairs = append(rec.Pairs, pair)
		}
	}

	sort.SliceStable(rec.Pairs, func(i, j int) bool {
		return rec.Pairs[i].Score > rec.Pairs[j].Score
	})
	return rec
}

func (s *Scorer) scorePair(a, b Profile) models.PairScore {
	pair := models.PairScore{UserA: a.User, UserB: b.User, Evidence: make([]models.Evidence, 0)}
	var evidence []models.Evidence

	for _, cat := range weightedCategories {
		left, right := cat.pick(a.Superlatives), cat.pick(b.Superlatives)
		for _, entity := range sharedKeys(left, right) {
			pair.Score += cat.weight
			evidence = append(evidence, models.Evidence{
				Category:  cat.name,
				Entity:    entity,
				Scrobbles: left[entity] + right[entity],
				Weight:    cat.weight,
			})
		}
	}

	genres := make([]models.TagKey, 0)
	for key := range a.Genres {
		if _, ok := b.Genres[key]; ok {
			genres = append(genres, key)
		}
	}
	sort.Slice(genres, func(i, j int) bool { return genres[i].String() < genres[j].String() })
	for _, key := range genres {
		pair.Score += GenreBonus
		evidence = append(evidence, models.Evidence{
			Category:  CategoryGenre,
			Entity:    key.String(),
			Scrobbles: int(a.Genres[key] + b.Genres[key]),
			Weight:    GenreBonus,
		})
	}

	for _, label := range sharedKeys(a.Labels, b.Labels) {
		pair.Score += LabelBonus
		evidence = append(evidence, models.Evidence{
			Category:  CategoryLabel,
			Entity:    label,
			Scrobbles: a.Labels[label] + b.Labels[label],
			Weight:    LabelBonus,
		})
	}

	sort.SliceStable(evidence, func(i, j int) bool {
		if evidence[i].Scrobbles != evidence[j].Scrobbles {
			return evidence[i].Scrobbles > evidence[j].Scrobbles
		}
		if evidence[i].Category != evidence[j].Category {
			return evidence[i].Category < evidence[j].Category
		}
		return evidence[i].Entity < evidence[j].Entity
	})
	if len(evidence) > s.evidenceLimit {
		evidence = evidence[:s.evidenceLimit]
	}
	if evidence != nil {
		pair.Evidence = evidence
	}
	return pair
}

func sharedKeys(a, b map[string]int) []string {
	shared := make([]string, 0)
	for k := range a {
		if _, ok := b[k]; ok {
			shared = append(shared, k)
		}
	}
	sort.Strings(shared)
	return shared
}
