package service

import (
	"github.com/scrobble-stats/internal/aggregate"
	"github.com/scrobble-stats/internal/genre"
	"github.com/scrobble-stats/internal/models"
	"github.com/scrobble-stats/internal/period"
	"github.com/scrobble-stats/internal/types"
)

// evolutionGenres is how many tags per source a user's genre evolution follows
const evolutionGenres = 10

// evolutionYears returns the calendar years traced by an annual window, or nil
// when the window gets no evolution section.
func (s *StatsService) evolutionYears(w period.Window) []period.Window {
	if w.Kind != types.PeriodAnnual || s.opts.EvolutionYears <= 0 {
		return nil
	}
	return period.YearsThrough(w, s.opts.EvolutionYears)
}

// buildEvolution traces each user's volume and top genres, and each pair's shared
// artists and albums, across years. events must cover every year.
func buildEvolution(years []period.Window, users []string, events []*models.ListeningEvent, tags *genre.TagSet) *models.YearlyEvolution {
	evo := &models.YearlyEvolution{
		Years: make([]int, len(years)),
		Users: make(map[string]models.UserEvolution, len(users)),
		Pairs: make([]models.PairEvolution, 0),
	}

	artists := make([]aggregate.Counts, len(years))
	albums := make([]aggregate.Counts, len(years))
	for i, y := range years {
		evo.Years[i] = y.Start.Year()
		artists[i] = aggregate.CountEntities(events, y, aggregate.ArtistKeyer)
		albums[i] = aggregate.CountEntities(events, y, aggregate.AlbumKeyer)
	}

	span := period.Window{Kind: types.PeriodAnnual, Start: years[0].Start, End: years[len(years)-1].End}
	for _, u := range users {
		evo.Users[u] = userEvolution(u, years, span, artists, events, tags)
	}

	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			pair := models.PairEvolution{
				UserA:   users[i],
				UserB:   users[j],
				Artists: make([]int, len(years)),
				Albums:  make([]int, len(years)),
			}
			for k := range years {
				pair.Artists[k] = aggregate.SharedEntities(artists[k], users[i], users[j])
				pair.Albums[k] = aggregate.SharedEntities(albums[k], users[i], users[j])
			}
			evo.Pairs = append(evo.Pairs, pair)
		}
	}
	return evo
}

func userEvolution(user string, years []period.Window, span period.Window, artists []aggregate.Counts, events []*models.ListeningEvent, tags *genre.TagSet) models.UserEvolution {
	ue := models.UserEvolution{Scrobbles: make([]int, len(years))}
	// every scrobble has exactly one artist key
	for i := range years {
		for _, perUser := range artists[i] {
			ue.Scrobbles[i] += perUser[user]
		}
	}

	top := genre.RollupBySource(events, span, []string{user}, tags, types.ScopeArtist, evolutionGenres)
	if len(top) == 0 {
		return ue
	}

	perYear := make([]map[models.TagKey]float64, len(years))
	for i, y := range years {
		perYear[i] = make(map[models.TagKey]float64)
		for _, rows := range genre.RollupBySource(events, y, []string{user}, tags, types.ScopeArtist, 0) {
			for _, tw := range rows {
				perYear[i][tw.Key()] = tw.Weight
			}
		}
	}

	ue.Genres = make(map[string][]models.GenreSeries, len(top))
	for source, rows := range top {
		series := make([]models.GenreSeries, 0, len(rows))
		for _, tw := range rows {
			gs := models.GenreSeries{Tag: tw.Tag, Weights: make([]float64, len(years))}
			for i := range years {
				gs.Weights[i] = perYear[i][tw.Key()]
			}
			series = append(series, gs)
		}
		ue.Genres[source] = series
	}
	return ue
}
