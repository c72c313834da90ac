package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "test-key")
	// collapse the rate limit for tests
	fast := make(chan time.Time)
	close(fast)
	client.gate = fast
	return client
}

func TestSearchFallsBackToShorterAddress(t *testing.T) {
	var queries []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		queries = append(queries, q)
		if q == "Rua A, Porto Alegre, 90000-000" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"lat":"-30.03","lon":"-51.23"}]`))
	})

	lat, lon, err := client.Search(context.Background(), "Rua A, Porto Alegre, 90000-000", "Rua A")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if lat != -30.03 || lon != -51.23 {
		t.Fatalf("got %v,%v", lat, lon)
	}
	if len(queries) != 2 {
		t.Fatalf("queries = %v, want full address then fallback", queries)
	}
}

func TestSearchNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	_, _, err := client.Search(context.Background(), "nowhere")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchSendsAPIKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("api_key"); got != "test-key" {
			t.Errorf("api_key = %q", got)
		}
		w.Write([]byte(`[{"lat":"1","lon":"2"}]`))
	})
	if _, _, err := client.Search(context.Background(), "x"); err != nil {
		t.Fatalf("search: %v", err)
	}
}
