// Package superlative implements the per-user comparative detectors: discoveries,
// streaks, one-hit-wonders, golden oldies, persistent artists and rank climbers/decliners.
package superlative

import (
	"sort"
	"time"

	"github.com/scrobble-stats/internal/aggregate"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
)

const dateLayout = "2006-01-02"

// Config holds detector thresholds
type Config struct {
	GoldenOldieLifetimeMin int
	ClimberMonthlyMin      int
	OneHitWonderMin        int
	ListSize               int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		GoldenOldieLifetimeMin: 50,
		ClimberMonthlyMin:      50,
		OneHitWonderMin:        1,
		ListSize:               10,
	}
}

// Input is everything the detectors need for one user and window
type Input struct {
	User   string
	Window period.Window
	// Events are the user's scrobbles; only those inside Window are counted
	Events []*models.ListeningEvent
	// FirstArtist maps artist to the user's first-listen timestamp
	FirstArtist map[string]time.Time
	// Lifetime maps artist to the user's scrobble count before Window.End
	Lifetime map[string]int
	// BucketDiscoveries enables the per-month discovery breakdown
	BucketDiscoveries bool
}

// Detect runs every detector for one user
func Detect(in Input, cfg Config) models.UserSuperlatives {
	events := inWindow(in.Events, in.User, in.Window)
	artistCounts := countArtists(events)

	out := models.UserSuperlatives{
		Discoveries:   Discoveries(artistCounts, in.FirstArtist, in.Window, cfg.ListSize),
		Streaks:       Streaks(events, in.Window, cfg.ListSize),
		OneHitWonders: OneHitWonders(events, cfg.OneHitWonderMin, cfg.ListSize),
		GoldenOldies:  GoldenOldies(in.Lifetime, events, in.Window, cfg.GoldenOldieLifetimeMin, cfg.ListSize),
	}
	if in.BucketDiscoveries {
		out.MonthlyDiscoveries = MonthlyDiscoveries(artistCounts, in.FirstArtist, in.Window, cfg.ListSize)
	}
	out.Climbers, out.Decliners = RankMoves(MonthlyCounts(events, in.Window), cfg.ClimberMonthlyMin, cfg.ListSize)
	out.Persistent = Persistent(artistCounts, events, in.Lifetime, in.Window, cfg.GoldenOldieLifetimeMin, cfg.ListSize)
	return out
}

func inWindow(events []*models.ListeningEvent, user string, w period.Window) []*models.ListeningEvent {
	out := make([]*models.ListeningEvent, 0, len(events))
	for _, e := range events {
		if e.User == user && w.Contains(e.Timestamp) {
			out = append(out, e)
		}
	}
	return out
}

func countArtists(events []*models.ListeningEvent) map[string]int {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Artist]++
	}
	return counts
}

func limitTo[T any](list []T, n int) []T {
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}

// Discoveries ranks artists first heard inside the window by their in-window count
func Discoveries(counts map[string]int, first map[string]time.Time, w period.Window, limit int) []models.NewEntity {
	found := make([]models.NewEntity, 0)
	for artist, count := range counts {
		ts, ok := first[artist]
		if !ok || !w.Contains(ts) {
			continue
		}
		found = append(found, models.NewEntity{Entity: artist, Count: count, FirstSeen: ts})
	}
	sortNew(found)
	return limitTo(found, limit)
}

// MonthlyDiscoveries buckets discoveries by the calendar month of their first listen
func MonthlyDiscoveries(counts map[string]int, first map[string]time.Time, w period.Window, limit int) []models.DiscoveryBucket {
	all := Discoveries(counts, first, w, 0)
	buckets := make([]models.DiscoveryBucket, 0)
	for _, m := range w.Months() {
		bucket := models.DiscoveryBucket{Month: m.Label, Entries: make([]models.NewEntity, 0)}
		for _, d := range all {
			if !d.FirstSeen.Before(m.Start) && d.FirstSeen.Before(m.End) {
				bucket.Entries = append(bucket.Entries, d)
			}
		}
		bucket.Entries = limitTo(bucket.Entries, limit)
		buckets = append(buckets, bucket)
	}
	return buckets
}

func sortNew(list []models.NewEntity) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].Entity < list[j].Entity
	})
}

// Streaks reports each artist's longest run of consecutive calendar days with a scrobble.
// Ties between runs of one artist go to the earliest; artists are ranked by day count.
func Streaks(events []*models.ListeningEvent, w period.Window, limit int) []models.Streak {
	loc := w.Start.Location()
	days := make(map[string]map[time.Time]struct{})
	plays := make(map[string]int)
	for _, e := range events {
		if !w.Contains(e.Timestamp) {
			continue
		}
		local := e.Timestamp.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		if days[e.Artist] == nil {
			days[e.Artist] = make(map[time.Time]struct{})
		}
		days[e.Artist][day] = struct{}{}
		plays[e.Artist]++
	}

	streaks := make([]models.Streak, 0, len(days))
	for artist, set := range days {
		sorted := make([]time.Time, 0, len(set))
		for d := range set {
			sorted = append(sorted, d)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

		bestStart, bestLen := sorted[0], 1
		runStart, runLen := sorted[0], 1
		for i := 1; i < len(sorted); i++ {
			if sorted[i].Sub(sorted[i-1]) == 24*time.Hour {
				runLen++
			} else {
				runStart, runLen = sorted[i], 1
			}
			// strictly longer only, so the earliest run wins ties
			if runLen > bestLen {
				bestStart, bestLen = runStart, runLen
			}
		}

		streaks = append(streaks, models.Streak{
			Artist:    artist,
			StartDate: bestStart.Format(dateLayout),
			EndDate:   bestStart.AddDate(0, 0, bestLen-1).Format(dateLayout),
			DayCount:  bestLen,
			Plays:     plays[artist],
		})
	}

	sort.Slice(streaks, func(i, j int) bool {
		if streaks[i].DayCount != streaks[j].DayCount {
			return streaks[i].DayCount > streaks[j].DayCount
		}
		if streaks[i].StartDate != streaks[j].StartDate {
			return streaks[i].StartDate < streaks[j].StartDate
		}
		return streaks[i].Artist < streaks[j].Artist
	})
	return limitTo(streaks, limit)
}

// OneHitWonders finds artists heard through exactly one distinct track, ranked by that track's count
func OneHitWonders(events []*models.ListeningEvent, minCount, limit int) []models.OneHitWonder {
	tracks := make(map[string]map[string]int)
	for _, e := range events {
		if tracks[e.Artist] == nil {
			tracks[e.Artist] = make(map[string]int)
		}
		tracks[e.Artist][e.Track]++
	}

	found := make([]models.OneHitWonder, 0)
	for artist, perTrack := range tracks {
		if len(perTrack) != 1 {
			continue
		}
		for track, count := range perTrack {
			if count >= minCount {
				found = append(found, models.OneHitWonder{Artist: artist, Track: track, Count: count})
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Count != found[j].Count {
			return found[i].Count > found[j].Count
		}
		return found[i].Artist < found[j].Artist
	})
	return limitTo(found, limit)
}

// trailingStart is the beginning of the last third of the window
func trailingStart(w period.Window) time.Time {
	return w.End.Add(-w.Length() / 3)
}

// GoldenOldies finds artists with at least lifetimeMin scrobbles before the window end
// and none in the trailing third of the window. Weight is the in-window count.
func GoldenOldies(lifetime map[string]int, events []*models.ListeningEvent, w period.Window, lifetimeMin, limit int) []models.GoldenOldie {
	cutoff := trailingStart(w)
	recent := make(map[string]bool)
	windowCounts := make(map[string]int)
	lastPlayed := make(map[string]time.Time)
	for _, e := range events {
		if !w.Contains(e.Timestamp) {
			continue
		}
		windowCounts[e.Artist]++
		if !e.Timestamp.Before(cutoff) {
			recent[e.Artist] = true
		}
		if e.Timestamp.After(lastPlayed[e.Artist]) {
			lastPlayed[e.Artist] = e.Timestamp
		}
	}

	// an oldie needs at least one scrobble, whatever the configured minimum
	floor := max(lifetimeMin, 1)
	found := make([]models.GoldenOldie, 0)
	for artist, total := range lifetime {
		if total < floor || recent[artist] {
			continue
		}
		g := models.GoldenOldie{Artist: artist, LifetimeCount: total, WindowCount: windowCounts[artist]}
		if ts, ok := lastPlayed[artist]; ok {
			g.LastPlayed = &ts
		}
		found = append(found, g)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].WindowCount != found[j].WindowCount {
			return found[i].WindowCount > found[j].WindowCount
		}
		if found[i].LifetimeCount != found[j].LifetimeCount {
			return found[i].LifetimeCount > found[j].LifetimeCount
		}
		return found[i].Artist < found[j].Artist
	})
	return limitTo(found, limit)
}

// Persistent lists the user's most played artists that are not golden oldies:
// still heard in the trailing third of the window.
func Persistent(counts map[string]int, events []*models.ListeningEvent, lifetime map[string]int, w period.Window, lifetimeMin, limit int) []models.RankedEntity {
	oldies := make(map[string]struct{})
	for _, g := range GoldenOldies(lifetime, events, w, lifetimeMin, 0) {
		oldies[g.Artist] = struct{}{}
	}
	cutoff := trailingStart(w)
	recent := make(map[string]bool)
	for _, e := range events {
		if w.Contains(e.Timestamp) && !e.Timestamp.Before(cutoff) {
			recent[e.Artist] = true
		}
	}

	found := make([]models.RankedEntity, 0)
	for artist, count := range counts {
		if _, old := oldies[artist]; old || !recent[artist] {
			continue
		}
		found = append(found, models.RankedEntity{Entity: artist, Total: count})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Total != found[j].Total {
			return found[i].Total > found[j].Total
		}
		return found[i].Entity < found[j].Entity
	})
	return limitTo(found, limit)
}

// MonthCounts is one calendar month of per-artist counts
type MonthCounts struct {
	Label  string
	Counts map[string]int
}

// MonthlyCounts partitions in-window events by calendar month
func MonthlyCounts(events []*models.ListeningEvent, w period.Window) []MonthCounts {
	months := w.Months()
	out := make([]MonthCounts, len(months))
	for i, m := range months {
		mw := period.Window{Start: m.Start, End: m.End}
		counts := aggregate.CountEntities(events, mw, aggregate.ArtistKeyer)
		flat := make(map[string]int, len(counts))
		for artist := range counts {
			flat[artist] = counts.Total(artist, nil)
		}
		out[i] = MonthCounts{Label: m.Label, Counts: flat}
	}
	return out
}

// rankMonth assigns 1-based ranks among all artists of the month, ties by name
func rankMonth(counts map[string]int) map[string]int {
	artists := make([]string, 0, len(counts))
	for a := range counts {
		artists = append(artists, a)
	}
	sort.Slice(artists, func(i, j int) bool {
		if counts[artists[i]] != counts[artists[j]] {
			return counts[artists[i]] > counts[artists[j]]
		}
		return artists[i] < artists[j]
	})
	ranks := make(map[string]int, len(artists))
	for i, a := range artists {
		ranks[a] = i + 1
	}
	return ranks
}

// RankMoves compares each artist's rank in its first and last qualifying month.
// delta = firstRank - lastRank; climbers have delta > 0 sorted descending,
// decliners have delta < 0 sorted ascending. Artists need two qualifying months.
func RankMoves(months []MonthCounts, monthlyMin, limit int) (climbers, decliners []models.RankMove) {
	type seen struct {
		move  models.RankMove
		count int
	}
	moves := make(map[string]*seen)
	for _, m := range months {
		ranks := rankMonth(m.Counts)
		for artist, count := range m.Counts {
			if count < monthlyMin {
				continue
			}
			s, ok := moves[artist]
			if !ok {
				s = &seen{move: models.RankMove{Artist: artist, FirstMonth: m.Label, FirstRank: ranks[artist]}}
				moves[artist] = s
			}
			s.move.LastMonth = m.Label
			s.move.LastRank = ranks[artist]
			s.move.Plays += count
			s.count++
		}
	}

	climbers = make([]models.RankMove, 0)
	decliners = make([]models.RankMove, 0)
	for _, s := range moves {
		if s.count < 2 {
			continue
		}
		s.move.Delta = s.move.FirstRank - s.move.LastRank
		switch {
		case s.move.Delta > 0:
			climbers = append(climbers, s.move)
		case s.move.Delta < 0:
			decliners = append(decliners, s.move)
		}
	}

	sort.Slice(climbers, func(i, j int) bool {
		if climbers[i].Delta != climbers[j].Delta {
			return climbers[i].Delta > climbers[j].Delta
		}
		return climbers[i].Artist < climbers[j].Artist
	})
	sort.Slice(decliners, func(i, j int) bool {
		if decliners[i].Delta != decliners[j].Delta {
			return decliners[i].Delta < decliners[j].Delta
		}
		return decliners[i].Artist < decliners[j].Artist
	})
	return limitTo(climbers, limit), limitTo(decliners, limit)
}
