package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evalplane/evalplane/internal/adapter/httpserver"
	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/domain"
)

type fakeRouterQueue struct{}

func (fakeRouterQueue) Enqueue(context.Context, domain.QueueItem) (string, error) { return "q-1", nil }
func (fakeRouterQueue) Cancel(context.Context, string) error                      { return nil }

func testConfig() config.Config {
	return config.Config{
		CORSAllowOrigins: "*",
		RateLimitPerMin:  60,
	}
}

func TestParseOrigins(t *testing.T) {
	cases := map[string][]string{
		"":                {"*"},
		"*":               {"*"},
		"a.com":           {"a.com"},
		"a.com, b.com":    {"a.com", "b.com"},
		" a.com ,, b.com": {"a.com", "b.com"},
	}
	for in, want := range cases {
		got := ParseOrigins(in)
		if len(got) != len(want) {
			t.Fatalf("ParseOrigins(%q) = %v, want %v", in, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("ParseOrigins(%q) = %v, want %v", in, got, want)
			}
		}
	}
}

func TestBuildRouter_HealthAndReadyz(t *testing.T) {
	cfg := testConfig()
	storage := &fakeSweeperStorage{}
	srv := httpserver.NewServer(cfg, storage, fakeRouterQueue{},
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	handler := BuildRouter(cfg, srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildRouter_SecurityHeadersPresent(t *testing.T) {
	cfg := testConfig()
	storage := &fakeSweeperStorage{}
	srv := httpserver.NewServer(cfg, storage, fakeRouterQueue{},
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	handler := BuildRouter(cfg, srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security header on response")
	}
}

func TestBuildRouter_NilLimiterDoesNotBlockSubmission(t *testing.T) {
	cfg := testConfig()
	storage := &fakeSweeperStorage{}
	srv := httpserver.NewServer(cfg, storage, fakeRouterQueue{},
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	handler := BuildRouter(cfg, srv, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatalf("nil rate limiter should not itself trigger 429")
	}
}
