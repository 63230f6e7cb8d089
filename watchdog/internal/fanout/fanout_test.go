package fanout

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
)

// recorder is an HTTP endpoint that remembers every request body it gets.
type recorder struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	status int
	srv    *httptest.Server
}

func newRecorder(t *testing.T, status int) *recorder {
	t.Helper()
	rec := &recorder{status: status}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *recorder) text(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := r.bodies[i]["text"].(string)
	return s
}

// webhookConfig returns a config with one webhook endpoint per recorder.
// The second endpoint is the default, as config.Load would pick it.
func webhookConfig(t *testing.T, recs ...*recorder) config.WatchdogConfig {
	t.Helper()
	var cfg config.WatchdogConfig
	for i, rec := range recs {
		id := []string{"primary", "secondary", "third"}[i]
		env := "FANOUT_TEST_URL_" + strings.ToUpper(id)
		t.Setenv(env, rec.srv.URL)
		cfg.Endpoints = append(cfg.Endpoints, config.Endpoint{ID: id, Type: "webhook", URLEnv: env})
	}
	cfg.DefaultEndpoint = "secondary"
	cfg.Categories = config.BuiltinCategories()
	return cfg
}

func TestRouter_Category(t *testing.T) {
	r := NewRouter(config.WatchdogConfig{
		Categories: []config.Category{
			{Name: "redis", Prefixes: []string{"[REDIS]"}, Broadcast: true},
			{Name: "redis-cache", Prefixes: []string{"[REDIS] cache"}, Endpoints: []string{"a"}},
			{Name: "payments", Services: []string{"[REDIS] payments"}, Endpoints: []string{"b"}},
		},
	})

	tests := []struct {
		service string
		want    string
	}{
		{"auth-api", DefaultCategory},
		{"[REDIS] sessions", "redis"},
		{"[REDIS] cache-eu", "redis-cache"},
		{"[REDIS] payments", "payments"},
		{"redis sessions", DefaultCategory},
		{"", DefaultCategory},
	}
	for _, tt := range tests {
		if got := r.Category(tt.service); got != tt.want {
			t.Errorf("Category(%q) = %q, want %q", tt.service, got, tt.want)
		}
	}
}

func TestRouter_Targets(t *testing.T) {
	r := NewRouter(config.WatchdogConfig{
		Endpoints: []config.Endpoint{
			{ID: "primary"}, {ID: "secondary"}, {ID: "third"},
		},
		DefaultEndpoint: "secondary",
		Categories: append(config.BuiltinCategories(),
			config.Category{Name: "db", Prefixes: []string{"pg-"}, Endpoints: []string{"primary", "third"}}),
	})

	if got := r.Targets(DefaultCategory); len(got) != 1 || got[0] != "secondary" {
		t.Errorf("Targets(default) = %v, want [secondary]", got)
	}
	if got := r.Targets("redis"); strings.Join(got, ",") != "primary,secondary,third" {
		t.Errorf("Targets(redis) = %v, want all endpoints", got)
	}
	if got := r.Targets("db"); strings.Join(got, ",") != "primary,third" {
		t.Errorf("Targets(db) = %v", got)
	}
	if got := r.Targets("no-such-category"); len(got) != 1 || got[0] != "secondary" {
		t.Errorf("Targets(unknown) = %v, want [secondary]", got)
	}

	// All must hand out a copy.
	got := r.All()
	got[0] = "mutated"
	if r.All()[0] != "primary" {
		t.Error("All() exposed internal slice")
	}
}

func TestDispatcher_DefaultGoesToSecondaryOnly(t *testing.T) {
	a, b := newRecorder(t, http.StatusOK), newRecorder(t, http.StatusOK)
	d, err := NewDispatcher(webhookConfig(t, a, b))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	msg := DownMessage("auth-api", "10.0.0.5", d.Category("auth-api"))
	if n := d.Dispatch(context.Background(), msg); n != 1 {
		t.Fatalf("Dispatch delivered %d, want 1", n)
	}
	if a.count() != 0 {
		t.Errorf("primary got %d requests, want 0", a.count())
	}
	if b.count() != 1 {
		t.Fatalf("secondary got %d requests, want 1", b.count())
	}
	if got, want := b.text(0), "[ERROR] auth-api -- instance 10.0.0.5 down!"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestDispatcher_RedisGoesToAll(t *testing.T) {
	a, b := newRecorder(t, http.StatusOK), newRecorder(t, http.StatusOK)
	d, err := NewDispatcher(webhookConfig(t, a, b))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	svc := "[REDIS] sessions"
	if n := d.Dispatch(context.Background(), DownMessage(svc, "10.0.0.9", d.Category(svc))); n != 2 {
		t.Fatalf("Dispatch delivered %d, want 2", n)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("requests = %d/%d, want 1/1", a.count(), b.count())
	}
	if got, want := a.text(0), "[ERROR] [REDIS] sessions -- instance 10.0.0.9 down!"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestDispatcher_FailureDoesNotStopOthers(t *testing.T) {
	bad, good := newRecorder(t, http.StatusInternalServerError), newRecorder(t, http.StatusOK)
	d, err := NewDispatcher(webhookConfig(t, bad, good))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	if n := d.Broadcast(context.Background(), ConnectionFailedMessage()); n != 1 {
		t.Errorf("Broadcast delivered %d, want 1", n)
	}
	if bad.count() != 1 || good.count() != 1 {
		t.Errorf("requests = %d/%d, want 1/1", bad.count(), good.count())
	}
	if got := good.text(0); got != ConnectionFailedText {
		t.Errorf("text = %q, want %q", got, ConnectionFailedText)
	}
}

func TestDispatcher_Reload(t *testing.T) {
	a, b, c := newRecorder(t, http.StatusOK), newRecorder(t, http.StatusOK), newRecorder(t, http.StatusOK)
	d, err := NewDispatcher(webhookConfig(t, a, b))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	if err := d.Reload(webhookConfig(t, a, b, c)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := d.Broadcast(context.Background(), ConnectionFailedMessage()); n != 3 {
		t.Errorf("Broadcast after reload delivered %d, want 3", n)
	}

	bad := webhookConfig(t, a)
	bad.Endpoints = append(bad.Endpoints, config.Endpoint{ID: "x", Type: "carrier-pigeon"})
	if err := d.Reload(bad); err == nil {
		t.Error("Reload with unknown endpoint type: want error")
	}
	if n := d.Broadcast(context.Background(), ConnectionFailedMessage()); n != 3 {
		t.Errorf("failed reload must keep previous endpoints, delivered %d", n)
	}
}

// blockingSender holds Send until release is closed and records whether it
// was closed while a send was still running.
type blockingSender struct {
	started chan struct{}
	release chan struct{}

	mu             sync.Mutex
	sending        bool
	closed         bool
	closedInFlight bool
}

func newBlockingSender() *blockingSender {
	return &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSender) ID() string { return "slow" }

func (b *blockingSender) Send(context.Context, Message) error {
	b.mu.Lock()
	b.sending = true
	b.mu.Unlock()
	close(b.started)
	<-b.release
	b.mu.Lock()
	b.sending = false
	b.mu.Unlock()
	return nil
}

func (b *blockingSender) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.closedInFlight = b.sending
	return nil
}

func (b *blockingSender) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func TestDispatcher_ReloadWaitsForInFlightSend(t *testing.T) {
	slow := newBlockingSender()
	cfg := config.WatchdogConfig{Endpoints: []config.Endpoint{{ID: "slow"}}, DefaultEndpoint: "slow"}
	d := &Dispatcher{client: http.DefaultClient}
	d.swap(&generation{router: NewRouter(cfg), senders: map[string]Sender{"slow": slow}})

	delivered := make(chan int, 1)
	go func() { delivered <- d.Broadcast(context.Background(), ConnectionFailedMessage()) }()
	<-slow.started

	rec := newRecorder(t, http.StatusOK)
	reloaded := make(chan error, 1)
	go func() { reloaded <- d.Reload(webhookConfig(t, rec)) }()

	// The reload has swapped in the new set but must not close the old one yet.
	time.Sleep(50 * time.Millisecond)
	if slow.isClosed() {
		t.Fatal("old sender closed while a send was in flight")
	}
	select {
	case <-reloaded:
		t.Fatal("Reload returned before the in-flight send finished")
	default:
	}

	close(slow.release)
	if n := <-delivered; n != 1 {
		t.Errorf("in-flight Broadcast delivered %d, want 1", n)
	}
	if err := <-reloaded; err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slow.isClosed() || slow.closedInFlight {
		t.Errorf("old sender closed=%v closedInFlight=%v, want closed after the send", slow.closed, slow.closedInFlight)
	}

	if n := d.Broadcast(context.Background(), ConnectionFailedMessage()); n != 1 || rec.count() != 1 {
		t.Errorf("Broadcast after reload delivered %d (recorder %d), want the new endpoint", n, rec.count())
	}
	d.Close()
	if n := d.Broadcast(context.Background(), ConnectionFailedMessage()); n != 0 {
		t.Errorf("Broadcast after Close delivered %d, want 0", n)
	}
}

func TestTelegramSender_Request(t *testing.T) {
	var gotPath, gotQuery, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s, err := NewSender(config.Endpoint{
		ID: "tg", Type: "telegram", Key: "123:abc", ChatID: "-100200", BaseURL: srv.URL + "/",
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	tests := []struct {
		service, host string
		want          string
	}{
		{"auth-api", "10.0.0.5", "[ERROR] auth-api -- instance 10.0.0.5 down!"},
		{"R&D <api>", "10.0.0.1", "[ERROR] R&amp;D &lt;api&gt; -- instance 10.0.0.1 down!"},
		{"[REDIS] cache", "10.0.0.9", "[ERROR] [REDIS] cache -- instance 10.0.0.9 down!"},
	}
	for _, tt := range tests {
		if err := s.Send(context.Background(), DownMessage(tt.service, tt.host, DefaultCategory)); err != nil {
			t.Fatalf("Send(%q): %v", tt.service, err)
		}
		if gotPath != "/bot123:abc/sendMessage" {
			t.Errorf("path = %q", gotPath)
		}
		if gotQuery != "parse_mode=html&chat_id=-100200" {
			t.Errorf("query = %q", gotQuery)
		}
		if gotText != tt.want {
			t.Errorf("service %q: text = %q, want %q", tt.service, gotText, tt.want)
		}
	}
}

func TestTelegramSender_ErrorHidesKey(t *testing.T) {
	// Grab a free port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s, _ := NewSender(config.Endpoint{
		ID: "tg", Type: "telegram", Key: "secret-bot-key", ChatID: "1", BaseURL: "http://" + addr,
	}, &http.Client{Timeout: time.Second})

	err = s.Send(context.Background(), ConnectionFailedMessage())
	if err == nil {
		t.Fatal("Send to closed port: want error")
	}
	if strings.Contains(err.Error(), "secret-bot-key") {
		t.Errorf("error leaks bot key: %v", err)
	}
}

func TestTelegramSender_MissingKey(t *testing.T) {
	s, _ := NewSender(config.Endpoint{ID: "tg", Type: "telegram", KeyEnv: "FANOUT_TEST_UNSET_KEY", ChatID: "1"}, http.DefaultClient)
	if err := s.Send(context.Background(), ConnectionFailedMessage()); err == nil {
		t.Error("Send without key: want error")
	}
}

func TestSlackSender_Body(t *testing.T) {
	rec := newRecorder(t, http.StatusOK)
	t.Setenv("FANOUT_TEST_SLACK", rec.srv.URL)

	s, _ := NewSender(config.Endpoint{ID: "slack", Type: "slack", URLEnv: "FANOUT_TEST_SLACK"}, rec.srv.Client())
	if err := s.Send(context.Background(), ConnectionFailedMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.count() != 1 || rec.text(0) != ConnectionFailedText {
		t.Errorf("slack body text = %q", rec.text(0))
	}
}

func TestWebhookSender_Payload(t *testing.T) {
	rec := newRecorder(t, http.StatusOK)
	t.Setenv("FANOUT_TEST_HOOK", rec.srv.URL)

	s, _ := NewSender(config.Endpoint{ID: "hook", Type: "webhook", URLEnv: "FANOUT_TEST_HOOK"}, rec.srv.Client())
	msg := DownMessage("auth-api", "10.0.0.5", DefaultCategory)
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	body := rec.bodies[0]
	if body["id"] != msg.ID || body["service"] != "auth-api" || body["host"] != "10.0.0.5" || body["category"] != DefaultCategory {
		t.Errorf("payload = %v", body)
	}
}

func TestWebhookSender_MissingURL(t *testing.T) {
	s, _ := NewSender(config.Endpoint{ID: "hook", Type: "webhook", URLEnv: "FANOUT_TEST_UNSET_URL"}, http.DefaultClient)
	if err := s.Send(context.Background(), ConnectionFailedMessage()); err == nil {
		t.Error("Send without url: want error")
	}
}

func TestBuildKafkaMessage(t *testing.T) {
	msg := DownMessage("auth-api", "10.0.0.5", DefaultCategory)
	km, err := buildKafkaMessage(msg)
	if err != nil {
		t.Fatalf("buildKafkaMessage: %v", err)
	}
	if string(km.Key) != "10.0.0.5" {
		t.Errorf("key = %q, want host", km.Key)
	}
	if !km.Time.Equal(msg.CreatedAt) {
		t.Errorf("time = %v, want %v", km.Time, msg.CreatedAt)
	}
	headers := map[string]string{}
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["message_id"] != msg.ID || headers["service"] != "auth-api" {
		t.Errorf("headers = %v", headers)
	}

	var decoded Message
	if err := json.Unmarshal(km.Value, &decoded); err != nil {
		t.Fatalf("value is not a JSON message: %v", err)
	}
	if decoded.Text != msg.Text {
		t.Errorf("value text = %q", decoded.Text)
	}

	// Connection failures have no host; the service (empty) is used.
	km, _ = buildKafkaMessage(ConnectionFailedMessage())
	if len(km.Key) != 0 {
		t.Errorf("connection-failed key = %q, want empty", km.Key)
	}
}

func TestKafkaSender_Integration(t *testing.T) {
	conn, err := net.DialTimeout("tcp", "localhost:9092", 500*time.Millisecond)
	if err != nil {
		t.Skipf("kafka not available: %v", err)
	}
	conn.Close()

	s, err := NewSender(config.Endpoint{
		ID: "bus", Type: "kafka", Brokers: []string{"localhost:9092"}, Topic: "heartwatch-alerts-test",
	}, nil)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer s.(io.Closer).Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Send(ctx, DownMessage("auth-api", "10.0.0.5", DefaultCategory)); err != nil {
		t.Skipf("kafka write failed (topic auto-create disabled?): %v", err)
	}
}

func TestDownMessage(t *testing.T) {
	a := DownMessage("svc", "h", DefaultCategory)
	b := DownMessage("svc", "h", DefaultCategory)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("message ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}
