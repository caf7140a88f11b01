package moviedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/config"
	"movieanalyzer/internal/metrics"
	"movieanalyzer/internal/models"
)

var (
	ErrNotFound = errors.New("movie not found")
	ErrUpstream = errors.New("movie database unavailable")
)

// Client talks to the TMDB v3 API.
type Client struct {
	baseURL        string
	apiKey         string
	language       string
	maxReviewPages int
	http           *http.Client
}

func NewClient(cfg config.MovieDBConfig) *Client {
	pages := cfg.MaxReviewPages
	if pages <= 0 {
		pages = 1
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		language:       cfg.Language,
		maxReviewPages: pages,
		http: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
	}
}

// Search returns the candidates matching query. An empty query yields no results.
func (c *Client) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	const op = "moviedb.Search"
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Candidate{}, nil
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("include_adult", "false")
	params.Set("page", "1")

	var resp struct {
		Results []struct {
			ID          int64  `json:"id"`
			Title       string `json:"title"`
			ReleaseDate string `json:"release_date"`
		} `json:"results"`
	}
	if err := c.getJSON(ctx, "search", "search/movie", params, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := make([]models.Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		result = append(result, models.Candidate{
			ID:    r.ID,
			Title: orNA(r.Title),
			Year:  yearOf(r.ReleaseDate),
		})
	}
	return result, nil
}

// Details fetches a movie's metadata with "N/A" substituted for absent fields.
func (c *Client) Details(ctx context.Context, movieID int64) (models.Detail, error) {
	const op = "moviedb.Details"
	var movie movieResponse
	if err := c.getJSON(ctx, "details", fmt.Sprintf("movie/%d", movieID), nil, &movie); err != nil {
		return models.Detail{}, fmt.Errorf("%s: %w", op, err)
	}
	return movie.toDetail(movieID), nil
}

// Comments fetches the movie's reviews grouped by author.
func (c *Client) Comments(ctx context.Context, movieID int64) (models.Comments, error) {
	const op = "moviedb.Comments"
	comments := models.Comments{}
	for page := 1; page <= c.maxReviewPages; page++ {
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))

		var resp reviewsResponse
		if err := c.getJSON(ctx, "comments", fmt.Sprintf("movie/%d/reviews", movieID), params, &resp); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		comments = resp.appendTo(comments)
		if page >= resp.TotalPages {
			break
		}
	}
	return comments, nil
}

type movieResponse struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	Overview    string `json:"overview"`
	Genres      []struct {
		Name string `json:"name"`
	} `json:"genres"`
	VoteAverage float64 `json:"vote_average"`
	VoteCount   int     `json:"vote_count"`
}

func (m movieResponse) toDetail(requestedID int64) models.Detail {
	id := m.ID
	if id == 0 {
		id = requestedID
	}
	names := make([]string, 0, len(m.Genres))
	for _, g := range m.Genres {
		if n := strings.TrimSpace(g.Name); n != "" {
			names = append(names, n)
		}
	}
	return models.Detail{
		ID:     id,
		Title:  orNA(m.Title),
		Year:   yearOf(m.ReleaseDate),
		Genres: joinGenres(names),
		Plot:   orNA(m.Overview),
		Rating: formatRating(m.VoteAverage, m.VoteCount),
	}
}

type reviewsResponse struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
	Results    []struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	} `json:"results"`
}

func (r reviewsResponse) appendTo(comments models.Comments) models.Comments {
	for _, review := range r.Results {
		comments = comments.Add(orNA(review.Author), strings.TrimSpace(review.Content))
	}
	return comments
}

func (c *Client) getJSON(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	start := time.Now()
	body, err := c.doRequest(ctx, endpoint, params)
	metrics.MovieAPIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, ErrNotFound) {
			status = "not_found"
		}
		metrics.MovieAPICalls.WithLabelValues(method, status).Inc()
		return err
	}
	metrics.MovieAPICalls.WithLabelValues(method, "ok").Inc()
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	const op = "moviedb.doRequest"
	if params == nil {
		params = url.Values{}
	}
	if c.language != "" {
		params.Set("language", c.language)
	}
	// v3 keys go in the query string, v4 read tokens in the header.
	bearer := strings.HasPrefix(c.apiKey, "eyJ")
	if !bearer && c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	target := c.baseURL + endpoint
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Add("accept", "application/json")
	if bearer {
		req.Header.Add("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %v: %w", op, err, ErrUpstream)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %s: %w", op, endpoint, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logrus.WithFields(logrus.Fields{"op": op, "endpoint": endpoint, "status": resp.StatusCode}).Warn("movie database returned bad status")
		return nil, fmt.Errorf("%s: bad status %d, response: %s: %w", op, resp.StatusCode, body, ErrUpstream)
	}
	return io.ReadAll(resp.Body)
}

func orNA(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return models.NotAvailable
	}
	return v
}

func yearOf(releaseDate string) string {
	releaseDate = strings.TrimSpace(releaseDate)
	if len(releaseDate) < 4 {
		return models.NotAvailable
	}
	return releaseDate[:4]
}

func joinGenres(names []string) string {
	if len(names) == 0 {
		return models.NotAvailable
	}
	return strings.Join(names, ", ")
}

func formatRating(avg float64, votes int) string {
	if votes == 0 && avg == 0 {
		return models.NotAvailable
	}
	return strconv.FormatFloat(avg, 'f', 1, 64)
}
