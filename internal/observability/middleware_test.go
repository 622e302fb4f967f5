package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestAdminMiddlewareLabelsRoutes(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	r := gin.New()
	r.Use(AccessLog(logger, "/health"))
	r.Use(RequestMetrics("mw-node"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/peers/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("mw-node", "GET", UnmatchedRoute, "404"))
	for _, path := range []string{"/health", "/peers/abc", "/wp-login.php", "/.env"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-node", "GET", UnmatchedRoute, "404")); got != before+2 {
		t.Fatalf("expected unknown paths to share one label, got %v -> %v", before, got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-node", "GET", "/peers/:id", "200")); got != 1 {
		t.Fatalf("expected route template label, got %v", got)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected quiet route to be filtered at info level, got %d lines: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"route":"/peers/:id"`) {
		t.Fatalf("unexpected first log line %s", lines[0])
	}
}
