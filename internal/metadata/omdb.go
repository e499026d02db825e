package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/jon4hz/jellynouncer/internal/models"
)

const omdbBaseURL = "https://www.omdbapi.com/"

// OMDb looks items up by IMDb id, falling back to a title and year query.
type OMDb struct {
	*client
	apiKey  string
	baseURL string
}

// NewOMDb creates an OMDb provider. A nil httpClient gets a default with a
// 10s timeout.
func NewOMDb(apiKey string, httpClient *http.Client) *OMDb {
	return &OMDb{
		client:  newClient(httpClient),
		apiKey:  apiKey,
		baseURL: omdbBaseURL,
	}
}

// Name implements Provider.
func (o *OMDb) Name() string { return "omdb" }

// Usable implements Provider.
func (o *OMDb) Usable(item *models.MediaItem) bool {
	switch item.ItemType {
	case models.KindMovie, models.KindSeries, models.KindSeason, models.KindEpisode:
	default:
		return false
	}
	return lo.FromPtr(item.IMDbID) != "" || (item.Name != "" && item.Year != nil)
}

// Key implements Provider.
func (o *OMDb) Key(item *models.MediaItem) string {
	if id := lo.FromPtr(item.IMDbID); id != "" {
		return id
	}
	return fmt.Sprintf("%s:%d:%s", strings.ToLower(item.ItemType), lo.FromPtr(item.Year), item.Name)
}

type omdbResponse struct {
	Title   string `json:"Title"`
	Year    string `json:"Year"`
	Runtime string `json:"Runtime"`
	Genre   string `json:"Genre"`
	Actors  string `json:"Actors"`
	Plot    string `json:"Plot"`
	Poster  string `json:"Poster"`
	Ratings []struct {
		Source string `json:"Source"`
		Value  string `json:"Value"`
	} `json:"Ratings"`
	IMDbRating string `json:"imdbRating"`
	IMDbVotes  string `json:"imdbVotes"`
	Response   string `json:"Response"`
	Error      string `json:"Error"`
}

// Fetch implements Provider.
func (o *OMDb) Fetch(ctx context.Context, item *models.MediaItem) (*ProviderResult, error) {
	params := url.Values{}
	params.Set("apikey", o.apiKey)
	if id := lo.FromPtr(item.IMDbID); id != "" {
		params.Set("i", id)
	} else {
		params.Set("t", item.Name)
		if item.Year != nil {
			params.Set("y", strconv.Itoa(*item.Year))
		}
		if t := omdbType(item.ItemType); t != "" {
			params.Set("type", t)
		}
	}

	var payload omdbResponse
	if err := o.getJSON(ctx, o.baseURL+"?"+params.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	// OMDb reports misses as 200 with Response "False".
	if !strings.EqualFold(payload.Response, "True") {
		return nil, nil
	}

	result := &ProviderResult{
		Provider: o.Name(),
		Title:    payload.Title,
		Overview: omdbValue(payload.Plot),
		Genres:   omdbList(payload.Genre),
		Actors:   omdbList(payload.Actors),
	}
	if len(payload.Year) >= 4 {
		if year, err := strconv.Atoi(payload.Year[:4]); err == nil {
			result.Year = year
		}
	}
	if minutes, ok := strings.CutSuffix(payload.Runtime, " min"); ok {
		if v, err := strconv.Atoi(minutes); err == nil {
			result.RuntimeMinutes = v
		}
	}
	if poster := omdbValue(payload.Poster); poster != "" {
		result.PosterURL = poster
	}

	votes, _ := strconv.Atoi(strings.ReplaceAll(payload.IMDbVotes, ",", ""))
	var sawIMDb bool
	for _, r := range payload.Ratings {
		rating := RawRating{Source: omdbSource(r.Source), Value: r.Value}
		if rating.Source == "imdb" {
			rating.Votes = votes
			sawIMDb = true
		}
		result.Ratings = append(result.Ratings, rating)
	}
	if !sawIMDb && omdbValue(payload.IMDbRating) != "" {
		result.Ratings = append(result.Ratings, RawRating{
			Source: "imdb",
			Value:  payload.IMDbRating,
			Votes:  votes,
		})
	}

	return result, nil
}

// omdbValue filters out the "N/A" placeholder OMDb uses for absent fields.
func omdbValue(s string) string {
	if s == "N/A" {
		return ""
	}
	return s
}

func omdbList(s string) []string {
	if omdbValue(s) == "" {
		return nil
	}
	return strings.Split(s, ", ")
}

func omdbType(kind string) string {
	switch kind {
	case models.KindMovie:
		return "movie"
	case models.KindSeries, models.KindSeason:
		return "series"
	case models.KindEpisode:
		return "episode"
	default:
		return ""
	}
}

func omdbSource(source string) string {
	switch source {
	case "Internet Movie Database":
		return "imdb"
	case "Rotten Tomatoes":
		return "rotten_tomatoes"
	case "Metacritic":
		return "metacritic"
	default:
		return strings.ToLower(strings.ReplaceAll(source, " ", "_"))
	}
}
