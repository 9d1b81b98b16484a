package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rbaliyan/eventbus"
	"github.com/rbaliyan/eventbus/dlq"
	"github.com/rbaliyan/eventbus/internal/orders"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/channel"
)

func newTestApp(t *testing.T) (*App, *channel.Transport, *dlq.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := channel.New()
	bus := eventbus.TestBus(tr)
	t.Cleanup(func() { bus.Close(context.Background()) })
	if err := orders.Register(bus, orders.LogMailer{Logger: logger}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	store := dlq.NewMemoryStore()
	return &App{bus: bus, dlq: dlq.NewManager(store, tr), logger: logger}, tr, store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlers(t *testing.T) {
	app, tr, store := newTestApp(t)
	h := app.handler()

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
	}{
		{"live", http.MethodGet, "/healthz", "", http.StatusOK},
		{"ready", http.MethodGet, "/readyz", "", http.StatusOK},
		{"create order", http.MethodPost, "/api/orders", `{"order_id":"o-1","total":"42.50","customer_email":"a@b.c"}`, http.StatusAccepted},
		{"missing email", http.MethodPost, "/api/orders", `{"order_id":"o-1","total":"1"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/orders", `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/orders", "", http.StatusMethodNotAllowed},
		{"dlq list", http.MethodGet, "/api/dlq?limit=10", "", http.StatusOK},
		{"dlq stats", http.MethodGet, "/api/dlq/stats", "", http.StatusOK},
		{"replay missing", http.MethodPost, "/api/dlq/missing/replay", "", http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/api/dlq/missing", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.target, tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.target, w.Code, tt.wantCode, w.Body.String())
			}
		})
	}

	t.Run("publish unavailable", func(t *testing.T) {
		tr.SetAvailable(false)
		defer tr.SetAvailable(true)

		w := do(t, h, http.MethodPost, "/api/orders", `{"order_id":"o-2","total":"1","customer_email":"a@b.c"}`)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
		if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected readyz 503, got %d", w.Code)
		}
	})

	t.Run("replay and delete", func(t *testing.T) {
		ctx := context.Background()
		if _, err := orders.Subscribe(ctx, app.bus); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		// park by hand so the replay has an origin queue
		store.Store(ctx, &dlq.Message{
			ID:        "dlq-1",
			Queue:     orders.OrderCreated + "_" + orders.SendConfirmationHandler,
			EventName: orders.OrderCreated,
			MessageID: "evt-1",
			Body:      []byte(`{}`),
			Reason:    transport.DeathReasonRejected,
			CreatedAt: time.Now(),
		})

		w := do(t, h, http.MethodGet, "/api/dlq?pending=true", "")
		var msgs []dlq.Message
		if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil || len(msgs) != 1 {
			t.Fatalf("expected one pending message, got %d (%v)", len(msgs), err)
		}

		w = do(t, h, http.MethodPost, "/api/dlq/replay", "")
		var got map[string]int
		json.NewDecoder(w.Body).Decode(&got)
		if diff := cmp.Diff(map[string]int{"replayed": 1}, got); diff != "" {
			t.Errorf("replay response mismatch (-want +got):\n%s", diff)
		}

		if w := do(t, h, http.MethodDelete, "/api/dlq/dlq-1", ""); w.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", w.Code)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("file with env override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "app:\n  name: orders-test\namqp:\n  url: amqp://rabbit:5672/\n  message_ttl: 45s\nconsumer:\n  prefetch: 4\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.App.Name != "orders-test" || cfg.AMQP.URL != "amqp://rabbit:5672/" {
			t.Errorf("unexpected config %+v", cfg)
		}
		if cfg.AMQP.MessageTTL != 45*time.Second || cfg.Consumer.Prefetch != 4 {
			t.Errorf("unexpected ttl/prefetch %s/%d", cfg.AMQP.MessageTTL, cfg.Consumer.Prefetch)
		}
		if cfg.AMQP.Exchange != "event_bus" {
			t.Errorf("expected default exchange, got %q", cfg.AMQP.Exchange)
		}
		if cfg.Log.level() != slog.LevelDebug {
			t.Errorf("expected debug level from env, got %v", cfg.Log.level())
		}
	})

	t.Run("missing file uses env", func(t *testing.T) {
		t.Setenv("AMQP_URL", "amqp://env:5672/")
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.AMQP.URL != "amqp://env:5672/" {
			t.Errorf("expected url from env, got %q", cfg.AMQP.URL)
		}
		if cfg.AMQP.MessageTTL != 30*time.Second {
			t.Errorf("expected default ttl, got %s", cfg.AMQP.MessageTTL)
		}
		if cfg.Mongo.URI != "" || cfg.Mongo.Collection != "eventbus_dlq" {
			t.Errorf("unexpected mongo defaults %+v", cfg.Mongo)
		}
	})

	t.Run("invalid sample ratio", func(t *testing.T) {
		t.Setenv("OTEL_SAMPLING_RATIO", "2")
		if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for sample ratio 2")
		}
	})
}

func TestNewStores(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory by default", func(t *testing.T) {
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		cfg.Consumer.RateLimit = 10

		st, err := newStores(ctx, cfg, logger)
		if err != nil {
			t.Fatalf("newStores failed: %v", err)
		}
		defer st.close()
		if _, ok := st.dlq.(*dlq.MemoryStore); !ok {
			t.Errorf("expected memory dlq store, got %T", st.dlq)
		}
		if st.limiter == nil {
			t.Error("expected a limiter for a positive rate limit")
		}
	})

	t.Run("unreachable mongo fails", func(t *testing.T) {
		t.Setenv("MONGO_URI", "mongodb://127.0.0.1:1")
		t.Setenv("MONGO_TIMEOUT", "50ms")
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if _, err := newStores(ctx, cfg, logger); err == nil {
			t.Error("expected newStores to fail without a mongo server")
		}
	})
}
