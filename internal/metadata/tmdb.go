package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/samber/lo"

	"github.com/jon4hz/jellynouncer/internal/models"
)

const (
	tmdbBaseURL  = "https://api.themoviedb.org/3"
	tmdbImageURL = "https://image.tmdb.org/t/p"
	// tmdbMaxActors caps the cast list carried into templates.
	tmdbMaxActors = 10
)

// TMDb resolves movies and shows through the TMDb v3 API. Lookups prefer the
// TMDb id, then the IMDb id via /find, then a title search.
type TMDb struct {
	*client
	apiKey  string
	baseURL string
}

// NewTMDb creates a TMDb provider.
func NewTMDb(apiKey string, httpClient *http.Client) *TMDb {
	return &TMDb{
		client:  newClient(httpClient),
		apiKey:  apiKey,
		baseURL: tmdbBaseURL,
	}
}

// Name implements Provider.
func (t *TMDb) Name() string { return "tmdb" }

// Usable implements Provider.
func (t *TMDb) Usable(item *models.MediaItem) bool {
	if tmdbKind(item.ItemType) == "" {
		return false
	}
	return lo.FromPtr(item.TMDbID) != "" ||
		lo.FromPtr(item.IMDbID) != "" ||
		(item.Name != "" && item.Year != nil)
}

// Key implements Provider.
func (t *TMDb) Key(item *models.MediaItem) string {
	if id := lo.FromPtr(item.TMDbID); id != "" {
		return id
	}
	if id := lo.FromPtr(item.IMDbID); id != "" {
		return id
	}
	return fmt.Sprintf("%s:%d:%s", tmdbKind(item.ItemType), lo.FromPtr(item.Year), item.Name)
}

type tmdbDetail struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Name           string `json:"name"`
	Overview       string `json:"overview"`
	Tagline        string `json:"tagline"`
	ReleaseDate    string `json:"release_date"`
	FirstAirDate   string `json:"first_air_date"`
	Runtime        int    `json:"runtime"`
	EpisodeRunTime []int  `json:"episode_run_time"`
	Genres         []struct {
		Name string `json:"name"`
	} `json:"genres"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int     `json:"vote_count"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	Credits      struct {
		Cast []struct {
			Name string `json:"name"`
		} `json:"cast"`
	} `json:"credits"`
}

type tmdbFindResult struct {
	MovieResults []struct {
		ID int64 `json:"id"`
	} `json:"movie_results"`
	TVResults []struct {
		ID int64 `json:"id"`
	} `json:"tv_results"`
}

type tmdbSearchResult struct {
	Results []struct {
		ID int64 `json:"id"`
	} `json:"results"`
}

// Fetch implements Provider.
func (t *TMDb) Fetch(ctx context.Context, item *models.MediaItem) (*ProviderResult, error) {
	kind := tmdbKind(item.ItemType)
	id := lo.FromPtr(item.TMDbID)
	if id == "" {
		resolved, err := t.resolveID(ctx, item, kind)
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			return nil, nil
		}
		id = resolved
	}

	var detail tmdbDetail
	endpoint := fmt.Sprintf("%s/%s/%s?api_key=%s&append_to_response=credits",
		t.baseURL, kind, url.PathEscape(id), url.QueryEscape(t.apiKey))
	if err := t.getJSON(ctx, endpoint, nil, &detail); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	title := detail.Title
	if title == "" {
		title = detail.Name
	}
	result := &ProviderResult{
		Provider: t.Name(),
		Title:    title,
		Overview: detail.Overview,
		Tagline:  detail.Tagline,
	}
	for _, genre := range detail.Genres {
		result.Genres = append(result.Genres, genre.Name)
	}
	date := detail.ReleaseDate
	if date == "" {
		date = detail.FirstAirDate
	}
	if len(date) >= 4 {
		if year, err := strconv.Atoi(date[:4]); err == nil {
			result.Year = year
		}
	}
	result.RuntimeMinutes = detail.Runtime
	if result.RuntimeMinutes == 0 && len(detail.EpisodeRunTime) > 0 {
		result.RuntimeMinutes = detail.EpisodeRunTime[0]
	}
	for _, member := range detail.Credits.Cast[:min(tmdbMaxActors, len(detail.Credits.Cast))] {
		result.Actors = append(result.Actors, member.Name)
	}
	if detail.PosterPath != "" {
		result.PosterURL = tmdbImageURL + "/w500" + detail.PosterPath
	}
	if detail.BackdropPath != "" {
		result.BackdropURL = tmdbImageURL + "/w780" + detail.BackdropPath
	}
	if detail.VoteAverage > 0 {
		result.Ratings = append(result.Ratings, RawRating{
			Source: "tmdb",
			Value:  strconv.FormatFloat(detail.VoteAverage, 'f', 1, 64),
			Votes:  detail.VoteCount,
		})
	}

	return result, nil
}

// resolveID finds the TMDb id through /find (by IMDb id) or a title search.
// An empty id with a nil error is a miss.
func (t *TMDb) resolveID(ctx context.Context, item *models.MediaItem, kind string) (string, error) {
	if imdb := lo.FromPtr(item.IMDbID); imdb != "" {
		endpoint := fmt.Sprintf("%s/find/%s?api_key=%s&external_source=imdb_id",
			t.baseURL, url.PathEscape(imdb), url.QueryEscape(t.apiKey))
		var found tmdbFindResult
		err := t.getJSON(ctx, endpoint, nil, &found)
		if err != nil && !errors.Is(err, errNotFound) {
			return "", err
		}
		if kind == "movie" && len(found.MovieResults) > 0 {
			return strconv.FormatInt(found.MovieResults[0].ID, 10), nil
		}
		if kind == "tv" && len(found.TVResults) > 0 {
			return strconv.FormatInt(found.TVResults[0].ID, 10), nil
		}
	}

	name := item.Name
	if kind == "tv" && lo.FromPtr(item.SeriesName) != "" {
		name = *item.SeriesName
	}
	if name == "" {
		return "", nil
	}

	params := url.Values{}
	params.Set("api_key", t.apiKey)
	params.Set("query", name)
	if item.Year != nil {
		if kind == "movie" {
			params.Set("year", strconv.Itoa(*item.Year))
		} else {
			params.Set("first_air_date_year", strconv.Itoa(*item.Year))
		}
	}

	var search tmdbSearchResult
	if err := t.getJSON(ctx, t.baseURL+"/search/"+kind+"?"+params.Encode(), nil, &search); err != nil {
		if errors.Is(err, errNotFound) {
			return "", nil
		}
		return "", err
	}
	if len(search.Results) == 0 {
		return "", nil
	}
	return strconv.FormatInt(search.Results[0].ID, 10), nil
}

func tmdbKind(kind string) string {
	switch kind {
	case models.KindMovie:
		return "movie"
	case models.KindSeries, models.KindSeason, models.KindEpisode:
		return "tv"
	default:
		return ""
	}
}
