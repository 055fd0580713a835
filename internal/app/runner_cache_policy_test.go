package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ggonzalez94/paycall/internal/cache"
	"github.com/ggonzalez94/paycall/internal/config"
	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/model"
)

const staleWarning = "fetch failed; serving stale data within max-stale budget"

type cachedEnvelope struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data"`
	Warnings []string       `json:"warnings"`
	Error    model.ErrorBody
	Meta     struct {
		Cache   model.CacheStatus    `json:"cache"`
		Sources []model.SourceStatus `json:"sources"`
		Partial bool                 `json:"partial"`
	} `json:"meta"`
}

func newCachedState(t *testing.T, maxStale time.Duration) (*runtimeState, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var stdout, stderr bytes.Buffer
	return &runtimeState{
		runner: NewRunnerWithWriters(&stdout, &stderr),
		settings: config.Settings{
			OutputMode:   "json",
			Timeout:      5 * time.Second,
			CacheEnabled: true,
			MaxStale:     maxStale,
		},
		logger: zap.NewNop(),
		cache:  store,
	}, &stdout, &stderr
}

// seedExpired stores a cached document with a 1s TTL and waits past it.
func seedExpired(t *testing.T, s *runtimeState, key string) {
	t.Helper()
	if err := s.cache.Put(key, []byte(`{"source":"cache"}`), time.Second); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
}

func decodeCached(t *testing.T, buf *bytes.Buffer) cachedEnvelope {
	t.Helper()
	var env cachedEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v output=%s", err, buf.String())
	}
	return env
}

func endpointSource(status string) []model.SourceStatus {
	return []model.SourceStatus{{Name: "https://tools.example", Status: status, LatencyMS: 1}}
}

func TestRunCachedCommandServesFreshHitWithoutFetching(t *testing.T) {
	s, stdout, _ := newCachedState(t, time.Minute)
	if err := s.cache.Put("tools:fresh", []byte(`{"source":"cache"}`), time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	err := s.runCachedCommand("tools list", "tools:fresh", time.Minute, func(context.Context) (any, []model.SourceStatus, []string, bool, error) {
		t.Fatal("fresh hit must not fetch")
		return nil, nil, nil, false, nil
	})
	if err != nil {
		t.Fatalf("runCachedCommand: %v", err)
	}
	env := decodeCached(t, stdout)
	if env.Data["source"] != "cache" || env.Meta.Cache.Status != "hit" || env.Meta.Cache.Stale {
		t.Fatalf("expected fresh hit, got %+v", env)
	}
}

func TestRunCachedCommandRefetchesAfterTTLExpiry(t *testing.T) {
	s, stdout, _ := newCachedState(t, 5*time.Minute)
	seedExpired(t, s, "tools:expired")

	fetches := 0
	err := s.runCachedCommand("tools list", "tools:expired", time.Second, func(context.Context) (any, []model.SourceStatus, []string, bool, error) {
		fetches++
		return map[string]any{"source": "endpoint"}, endpointSource("ok"), nil, false, nil
	})
	if err != nil {
		t.Fatalf("runCachedCommand: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected one fetch, got %d", fetches)
	}
	env := decodeCached(t, stdout)
	if env.Data["source"] != "endpoint" || env.Meta.Cache.Status != "write" {
		t.Fatalf("expected refreshed data written to cache, got %+v", env)
	}
	if len(env.Meta.Sources) != 1 || env.Meta.Sources[0].Status != "ok" {
		t.Fatalf("expected source metadata, got %+v", env.Meta.Sources)
	}
}

func TestRunCachedCommandStaleFallback(t *testing.T) {
	cases := []struct {
		name      string
		maxStale  time.Duration
		fetchErr  error
		delay     time.Duration
		wantCode  clierr.Code
		wantStale bool
	}{
		{name: "unavailable within budget", maxStale: 5 * time.Second, fetchErr: clierr.New(clierr.CodeUnavailable, "endpoint unavailable"), wantStale: true},
		{name: "rate limited within budget", maxStale: 5 * time.Second, fetchErr: clierr.New(clierr.CodeRateLimited, "slow down"), wantStale: true},
		{name: "beyond budget", maxStale: 10 * time.Millisecond, fetchErr: clierr.New(clierr.CodeUnavailable, "endpoint unavailable"), wantCode: clierr.CodeStale},
		{name: "fetch delay crosses budget", maxStale: 2 * time.Second, delay: 2 * time.Second, fetchErr: clierr.New(clierr.CodeUnavailable, "endpoint unavailable"), wantCode: clierr.CodeStale},
		{name: "auth failure never falls back", maxStale: 5 * time.Second, fetchErr: clierr.New(clierr.CodeAuth, "wallet key missing"), wantCode: clierr.CodeAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, stdout, _ := newCachedState(t, tc.maxStale)
			seedExpired(t, s, "tools:stale")

			fetches := 0
			err := s.runCachedCommand("tools list", "tools:stale", time.Second, func(context.Context) (any, []model.SourceStatus, []string, bool, error) {
				fetches++
				time.Sleep(tc.delay)
				return nil, endpointSource(statusFromErr(tc.fetchErr)), nil, false, tc.fetchErr
			})
			if fetches != 1 {
				t.Fatalf("expected one fetch attempt, got %d", fetches)
			}
			if !tc.wantStale {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if code := clierr.ExitCode(err); code != int(tc.wantCode) {
					t.Fatalf("expected exit %d, got %d err=%v", tc.wantCode, code, err)
				}
				if tc.wantCode == clierr.CodeStale && !strings.Contains(err.Error(), "exceeded stale budget") {
					t.Fatalf("unexpected stale message: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected stale fallback, got %v", err)
			}
			env := decodeCached(t, stdout)
			if env.Data["source"] != "cache" || env.Meta.Cache.Status != "hit" || !env.Meta.Cache.Stale {
				t.Fatalf("expected stale hit, got %+v", env)
			}
			if !slices.Contains(env.Warnings, staleWarning) {
				t.Fatalf("expected stale warning, got %v", env.Warnings)
			}
			if len(env.Meta.Sources) != 1 || env.Meta.Sources[0].Status == "ok" {
				t.Fatalf("expected failed source in meta, got %+v", env.Meta.Sources)
			}
		})
	}
}

func TestRunCachedCommandNoStaleRejectsFallback(t *testing.T) {
	s, _, _ := newCachedState(t, 5*time.Second)
	s.settings.NoStale = true
	seedExpired(t, s, "tools:nostale")

	err := s.runCachedCommand("tools list", "tools:nostale", time.Second, func(context.Context) (any, []model.SourceStatus, []string, bool, error) {
		return nil, endpointSource("unavailable"), nil, false, clierr.New(clierr.CodeUnavailable, "endpoint unavailable")
	})
	if code := clierr.ExitCode(err); code != int(clierr.CodeStale) {
		t.Fatalf("expected stale exit, got %d err=%v", code, err)
	}
}

func TestRunCachedCommandStrictPartialKeepsDiagnostics(t *testing.T) {
	s, _, stderr := newCachedState(t, 5*time.Second)
	s.settings.Strict = true

	err := s.runCachedCommand("balances get", "balances:strict", time.Second, func(context.Context) (any, []model.SourceStatus, []string, bool, error) {
		return map[string]any{"address": "0xabc"},
			[]model.SourceStatus{{Name: "base", Status: "ok", LatencyMS: 12}, {Name: "sei", Status: "unavailable", LatencyMS: 34}},
			[]string{"partial_data: sei: timeout"},
			true,
			nil
	})
	if code := clierr.ExitCode(err); code != int(clierr.CodePartialStrict) {
		t.Fatalf("expected partial strict exit, got %d err=%v", code, err)
	}

	s.renderError("balances get", err, s.lastWarnings, s.lastSources, s.lastPartial)
	env := decodeCached(t, stderr)
	if env.Success || env.Error.Type != "partial_results" {
		t.Fatalf("unexpected error envelope: %s", stderr.String())
	}
	if !env.Meta.Partial || len(env.Meta.Sources) != 2 {
		t.Fatalf("expected partial meta with both sources, got %+v", env.Meta)
	}
	if !slices.Contains(env.Warnings, "partial_data: sei: timeout") {
		t.Fatalf("expected warning propagation, got %v", env.Warnings)
	}
}
