package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/jon4hz/jellynouncer/internal/models"
)

const (
	tvdbBaseURL = "https://api4.thetvdb.com/v4"
	// tvdbTokenLifetime is how long a login token is reused. The API hands
	// out month-long tokens, a daily refresh stays well inside that.
	tvdbTokenLifetime = 24 * time.Hour
	tvdbMaxActors     = 10
)

// TVDb resolves series and movies through the TVDb v4 API. The v4 API wants
// a login call that trades the api key for a bearer token.
type TVDb struct {
	*client
	apiKey  string
	baseURL string

	tokenMu    sync.Mutex
	token      string
	tokenUntil time.Time
}

// NewTVDb creates a TVDb provider.
func NewTVDb(apiKey string, httpClient *http.Client) *TVDb {
	return &TVDb{
		client:  newClient(httpClient),
		apiKey:  apiKey,
		baseURL: tvdbBaseURL,
	}
}

// Name implements Provider.
func (t *TVDb) Name() string { return "tvdb" }

// Usable implements Provider. TVDb lookups need the provider's own id.
func (t *TVDb) Usable(item *models.MediaItem) bool {
	switch item.ItemType {
	case models.KindMovie, models.KindSeries, models.KindSeason, models.KindEpisode:
	default:
		return false
	}
	return lo.FromPtr(item.TVDbID) != ""
}

// Key implements Provider.
func (t *TVDb) Key(item *models.MediaItem) string {
	return lo.FromPtr(item.TVDbID)
}

// bearer returns a valid login token, refreshing it when needed.
func (t *TVDb) bearer(ctx context.Context) (string, error) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	if t.token != "" && time.Now().Before(t.tokenUntil) {
		return t.token, nil
	}

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := t.postJSON(ctx, t.baseURL+"/login", map[string]string{"apikey": t.apiKey}, &resp); err != nil {
		return "", fmt.Errorf("failed to log in to tvdb: %w", err)
	}
	if resp.Data.Token == "" {
		return "", errors.New("tvdb login returned no token")
	}

	t.token = resp.Data.Token
	t.tokenUntil = time.Now().Add(tvdbTokenLifetime)
	return t.token, nil
}

// invalidateToken drops the cached token so the next call logs in again.
func (t *TVDb) invalidateToken() {
	t.tokenMu.Lock()
	t.token = ""
	t.tokenMu.Unlock()
}

type tvdbPayload struct {
	Data struct {
		Name           string `json:"name"`
		Overview       string `json:"overview"`
		Year           string `json:"year"`
		Image          string `json:"image"`
		Runtime        int    `json:"runtime"`
		AverageRuntime int    `json:"averageRuntime"`
		Genres         []struct {
			Name string `json:"name"`
		} `json:"genres"`
		Characters []struct {
			PersonName string `json:"personName"`
		} `json:"characters"`
	} `json:"data"`
}

// Fetch implements Provider.
func (t *TVDb) Fetch(ctx context.Context, item *models.MediaItem) (*ProviderResult, error) {
	token, err := t.bearer(ctx)
	if err != nil {
		return nil, err
	}

	path := "series"
	if item.ItemType == models.KindMovie {
		path = "movies"
	}
	endpoint := fmt.Sprintf("%s/%s/%s/extended", t.baseURL, path, url.PathEscape(lo.FromPtr(item.TVDbID)))
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	var payload tvdbPayload
	if err := t.getJSON(ctx, endpoint, header, &payload); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
			t.invalidateToken()
		}
		return nil, err
	}

	result := &ProviderResult{
		Provider:  t.Name(),
		Title:     payload.Data.Name,
		Overview:  payload.Data.Overview,
		PosterURL: payload.Data.Image,
	}
	if year, err := strconv.Atoi(payload.Data.Year); err == nil {
		result.Year = year
	}
	result.RuntimeMinutes = payload.Data.Runtime
	if result.RuntimeMinutes == 0 {
		result.RuntimeMinutes = payload.Data.AverageRuntime
	}
	for _, genre := range payload.Data.Genres {
		result.Genres = append(result.Genres, genre.Name)
	}
	for _, character := range payload.Data.Characters[:min(tvdbMaxActors, len(payload.Data.Characters))] {
		if character.PersonName != "" {
			result.Actors = append(result.Actors, character.PersonName)
		}
	}

	return result, nil
}
