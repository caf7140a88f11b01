package moviedb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movieanalyzer/internal/config"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/redis"
)

func newFakeTMDB(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/movie", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "Heat", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"results":[
			{"id":949,"title":"Heat","release_date":"1995-12-15"},
			{"id":11,"title":"","release_date":""}
		]}`))
	})
	mux.HandleFunc("/movie/949", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_, _ = w.Write([]byte(`{"id":949,"title":"Heat","release_date":"1995-12-15",
			"overview":"A group of professional bank robbers...",
			"genres":[{"name":"Action"},{"name":"Crime"},{"name":"Drama"}],
			"vote_average":7.94,"vote_count":7000}`))
	})
	mux.HandleFunc("/movie/12", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		_, _ = w.Write([]byte(`{"id":12}`))
	})
	mux.HandleFunc("/movie/949/reviews", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = w.Write([]byte(`{"page":1,"total_pages":2,"results":[
				{"author":"alice","content":"Best shootout ever."},
				{"author":"bob","content":"Too long."}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"page":2,"total_pages":2,"results":[
				{"author":"alice","content":"Second viewing holds up."},
				{"author":"carol","content":"   "}
			]}`))
		}
	})
	mux.HandleFunc("/movie/500", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(config.MovieDBConfig{
		BaseURL:        srv.URL + "/",
		APIKey:         "test-key",
		Timeout:        2,
		MaxReviewPages: 3,
	})
}

func TestSearchEmptyQuerySkipsAPI(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))

	got, err := client.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSearchFallsBackToNA(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))

	got, err := client.Search(context.Background(), " Heat ")
	require.NoError(t, err)
	assert.Equal(t, []models.Candidate{
		{ID: 949, Title: "Heat", Year: "1995"},
		{ID: 11, Title: models.NotAvailable, Year: models.NotAvailable},
	}, got)
}

func TestDetailsJoinsGenres(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))

	got, err := client.Details(context.Background(), 949)
	require.NoError(t, err)
	assert.Equal(t, models.Detail{
		ID:     949,
		Title:  "Heat",
		Year:   "1995",
		Genres: "Action, Crime, Drama",
		Plot:   "A group of professional bank robbers...",
		Rating: "7.9",
	}, got)
}

func TestDetailsMissingFieldsUseNA(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))

	got, err := client.Details(context.Background(), 12)
	require.NoError(t, err)
	for field, v := range map[string]string{
		"title": got.Title, "year": got.Year, "genres": got.Genres, "plot": got.Plot, "rating": got.Rating,
	} {
		assert.Equal(t, models.NotAvailable, v, field)
	}
}

func TestDetailsErrors(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))

	_, err := client.Details(context.Background(), 404)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = client.Details(context.Background(), 500)
	assert.True(t, errors.Is(err, ErrUpstream), "got %v", err)
}

// blank reviews still count under their author
func TestCommentsGroupAcrossPages(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))

	got, err := client.Comments(context.Background(), 949)
	require.NoError(t, err)
	assert.Equal(t, models.Comments{
		{Author: "alice", Comments: []string{"Best shootout ever.", "Second viewing holds up."}},
		{Author: "bob", Comments: []string{"Too long."}},
		{Author: "carol", Comments: []string{""}},
	}, got)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestBearerTokenGoesInHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer eyJtoken", r.Header.Get("Authorization"))
		assert.Empty(t, r.URL.Query().Get("api_key"))
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()
	client := NewClient(config.MovieDBConfig{BaseURL: srv.URL + "/", APIKey: "eyJtoken", Timeout: 2})

	got, err := client.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, got)
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string]string
	fail bool
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errors.New("cache down")
	}
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("cache down")
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return nil
}

func TestCachedClientServesRepeatLookupsFromCache(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))
	cached := NewCachedClient(client, &memoryCache{data: map[string]string{}}, time.Minute)
	ctx := context.Background()

	first, err := cached.Details(ctx, 949)
	require.NoError(t, err)
	second, err := cached.Details(ctx, 949)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	c1, err := cached.Comments(ctx, 949)
	require.NoError(t, err)
	c2, err := cached.Comments(ctx, 949)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	// one details call plus two review pages
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestCachedClientToleratesCacheFailure(t *testing.T) {
	var calls int32
	client := newTestClient(newFakeTMDB(t, &calls))
	cached := NewCachedClient(client, &memoryCache{data: map[string]string{}, fail: true}, time.Minute)

	got, err := cached.Details(context.Background(), 949)
	require.NoError(t, err)
	assert.Equal(t, "Heat", got.Title)
}
