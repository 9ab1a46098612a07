package obs

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/tools":                 "/v1/tools",
		"/v1/tools/recognize_face":  "/v1/tools/:tool",
		"/v1/tools/anything?x=1":    "/v1/tools/:tool",
		"/admin/clients":            "/admin/clients",
		"/admin/clients/demo":       "/admin/clients/:id",
		"/admin/clients/demo/extra": "/admin/clients/demo/extra",
		"/oauth/token?grant=1":      "/oauth/token",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/admin/clients/:id", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/clients/abc", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/admin/clients/:id", "418"))
	if after-before != 1 {
		t.Fatalf("expected one request counted, got %v", after-before)
	}
}

func TestRecorderComponentStatus(t *testing.T) {
	var r Recorder
	r.ComponentStatus("vector_store", "degraded")
	if v := testutil.ToFloat64(componentStatus.WithLabelValues("vector_store", "degraded")); v != 1 {
		t.Fatalf("expected degraded=1, got %v", v)
	}
	r.ComponentStatus("vector_store", "healthy")
	if v := testutil.ToFloat64(componentStatus.WithLabelValues("vector_store", "degraded")); v != 0 {
		t.Fatalf("expected degraded=0, got %v", v)
	}
	if v := testutil.ToFloat64(componentStatus.WithLabelValues("vector_store", "healthy")); v != 1 {
		t.Fatalf("expected healthy=1, got %v", v)
	}
}

func TestParseRotation(t *testing.T) {
	cases := map[string]time.Duration{
		"hourly": time.Hour,
		"DAILY":  24 * time.Hour,
		"":       24 * time.Hour,
		"6h":     6 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseRotation(in)
		if err != nil || got != want {
			t.Fatalf("ParseRotation(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"weekly-ish", "1s"} {
		if _, err := ParseRotation(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNextBoundary(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 17, 0, 0, time.UTC)
	if got := nextBoundary(now, time.Hour); !got.Equal(time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("hourly boundary %v", got)
	}
	if got := nextBoundary(now, 24*time.Hour); !got.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("daily boundary %v", got)
	}
}

func TestNewLoggerWritesDebugFile(t *testing.T) {
	dir := t.TempDir()
	logger, file, err := NewLogger(LogConfig{Dir: dir, Level: "debug", Rotation: time.Hour, RetentionDays: 7})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	Component(logger, "health").Info("probe ok")
	_ = logger.Sync()
	defer file.Close()

	f, err := os.Open(filepath.Join(dir, DebugLogName))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatalf("debug log is empty")
	}
	line := sc.Text()
	if !strings.Contains(line, `"component":"health"`) || !strings.Contains(line, `"msg":"probe ok"`) {
		t.Fatalf("unexpected log line %s", line)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, _, err := NewLogger(LogConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
