package observability

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"examengine/internal/exam"

	"github.com/go-chi/chi/v5/middleware"
)

// SetupLogger installs the process-wide slog handler.
func SetupLogger(level, format string) *slog.Logger {
	return setupLogger(os.Stderr, level, format)
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// ExecutionCounter reports how many executions sit in each status.
type ExecutionCounter interface {
	CountByStatus(ctx context.Context) (map[exam.ExecutionStatus]int64, error)
}

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

type Collector struct {
	db         *sql.DB
	executions ExecutionCounter
	log        *slog.Logger

	mu           sync.RWMutex
	requestStats map[key]stat
	startedAt    time.Time
}

func NewCollector(db *sql.DB, executions ExecutionCounter, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		db:           db,
		executions:   executions,
		log:          log,
		requestStats: make(map[key]stat),
		startedAt:    time.Now(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		attrs := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"latency_ms", latencyMS,
			"remote_ip", strings.TrimSpace(r.RemoteAddr),
		}
		if id := extractExecutionID(r.URL.Path); id > 0 {
			attrs = append(attrs, "execution_id", id)
		}
		if id := extractExamID(r.URL.Path); id > 0 {
			attrs = append(attrs, "exam_id", id)
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		c.log.Log(r.Context(), level, "http request", attrs...)
	})
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var sb strings.Builder
	sb.WriteString("# examengine metrics\n")
	sb.WriteString("# TYPE examengine_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "examengine_uptime_seconds %.0f\n", time.Since(startedAt).Seconds())

	sb.WriteString("# TYPE examengine_http_requests_total counter\n")
	sb.WriteString("# TYPE examengine_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE examengine_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=%q,path=%q,status=\"%d\"", k.Method, k.Path, k.Status)
		fmt.Fprintf(&sb, "examengine_http_requests_total{%s} %d\n", labels, s.Count)
		fmt.Fprintf(&sb, "examengine_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS)
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		fmt.Fprintf(&sb, "examengine_http_request_latency_ms_avg{%s} %.3f\n", labels, avg)
	}

	if c.executions != nil {
		counts, err := c.executions.CountByStatus(r.Context())
		if err != nil {
			c.log.Warn("count executions for metrics", "error", err)
		} else {
			sb.WriteString("# TYPE examengine_executions gauge\n")
			for _, st := range []exam.ExecutionStatus{exam.StatusInProgress, exam.StatusCompleted, exam.StatusExpired} {
				fmt.Fprintf(&sb, "examengine_executions{status=%q} %d\n", st, counts[st])
			}
		}
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE examengine_db_open_connections gauge\n")
		fmt.Fprintf(&sb, "examengine_db_open_connections %d\n", dbs.OpenConnections)
		sb.WriteString("# TYPE examengine_db_in_use_connections gauge\n")
		fmt.Fprintf(&sb, "examengine_db_in_use_connections %d\n", dbs.InUse)
		sb.WriteString("# TYPE examengine_db_idle_connections gauge\n")
		fmt.Fprintf(&sb, "examengine_db_idle_connections %d\n", dbs.Idle)
		sb.WriteString("# TYPE examengine_db_wait_count counter\n")
		fmt.Fprintf(&sb, "examengine_db_wait_count %d\n", dbs.WaitCount)
		sb.WriteString("# TYPE examengine_db_wait_duration_ms counter\n")
		fmt.Fprintf(&sb, "examengine_db_wait_duration_ms %.3f\n", float64(dbs.WaitDuration.Microseconds())/1000.0)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func extractExecutionID(path string) int64 {
	return idAfter(path, "executions")
}

func extractExamID(path string) int64 {
	return idAfter(path, "exams")
}

func idAfter(path, segment string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == segment {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
