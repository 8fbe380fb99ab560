// README: Bench cases: environment, ingest dedup/rate-limit, heatmap clamping, realtime fan-out, concurrency and throughput.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridepulse/internal/modules/realtime"
	"ridepulse/internal/types"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	runID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		runID: uuid.NewString()[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

// driver returns a driver id unique to this run so reruns do not collide.
func (r *Runner) driver(name string) string {
	return "bench-" + r.runID + "-" + name
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	pings := base + "/api/pings"
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "database reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "redis reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "FAIL", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "tables from migrations/0001_init.sql",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		httpCaseMethod("API: health", http.MethodGet, base+"/health", nil, []int{200}, nil),

		// Ingest
		httpCase("Ingest: valid ping", pings, map[string]any{
			"driver_id": r.driver("valid"),
			"lat":       25.0331,
			"lng":       121.5651,
			"accuracy":  8,
		}, []int{200}, nil),
		httpCase("Ingest: missing fields -> 400", pings, map[string]any{}, []int{400}, nil),
		httpCase("Ingest: invalid coords -> 400", pings, map[string]any{
			"driver_id": r.driver("bad"),
			"lat":       123.0,
			"lng":       456.0,
		}, []int{400}, nil),
		httpCaseMethod("Ingest: wrong method -> 405", http.MethodGet, pings, nil, []int{405}, nil),
		{
			Name:  "Ingest: same tile within window is deduped",
			Focus: "no second row for a stationary driver",
			Run: func(ctx context.Context, r *Runner) Result {
				id := r.driver("dedup")
				body := map[string]any{"driver_id": id, "lat": 25.0401, "lng": 121.5601}
				if st, _, err := r.post(ctx, pings, body); err != nil || st != 200 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("first ping status=%d err=%v", st, err)}
				}
				body["lat"] = 25.0402
				st, resp, err := r.post(ctx, pings, body)
				if err != nil || st != 200 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("second ping status=%d err=%v", st, err)}
				}
				if resp["dedup"] != true {
					return Result{Status: "FAIL", Note: "second ping not deduped"}
				}
				if n, ok := r.countRows(ctx, id); ok && n != 1 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("rows=%d", n)}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Ingest: new tile inside 2s -> 429",
			Focus: "hard per-driver rate limit",
			Run: func(ctx context.Context, r *Runner) Result {
				id := r.driver("ratelimit")
				if st, _, err := r.post(ctx, pings, map[string]any{"driver_id": id, "lat": 25.05, "lng": 121.55}); err != nil || st != 200 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("first ping status=%d err=%v", st, err)}
				}
				req := jsonRequest(ctx, http.MethodPost, pings, map[string]any{"driver_id": id, "lat": 25.10, "lng": 121.60})
				resp, err := r.httpc.Do(req)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode != http.StatusTooManyRequests {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", resp.StatusCode)}
				}
				return Result{Status: "PASS", Note: "retry-after=" + resp.Header.Get("Retry-After")}
			},
		},

		// Heatmap
		heatmapCase("Heatmap: default window", base+"/api/heatmap", 200, 120),
		heatmapCase("Heatmap: low window clamps to 10", base+"/api/heatmap?window_seconds=1", 200, 10),
		heatmapCase("Heatmap: high window clamps to 600", base+"/api/heatmap?window_seconds=100000", 200, 600),
		heatmapCase("Heatmap: non-integer -> 400", base+"/api/heatmap?window_seconds=abc", 400, 0),
		httpCase("Heatmap: wrong method -> 405", base+"/api/heatmap", nil, []int{405}, nil),
		{
			Name:  "Heatmap: ingested driver is counted",
			Focus: "ingest feeds aggregation",
			Run: func(ctx context.Context, r *Runner) Result {
				st, body, err := r.get(ctx, base+"/api/heatmap")
				if err != nil || st != 200 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d err=%v", st, err)}
				}
				tiles, _ := body["tiles"].([]any)
				for _, t := range tiles {
					if m, ok := t.(map[string]any); ok && m["tile_key"] == "25.034_121.566" {
						return Result{Status: "PASS", Note: fmt.Sprintf("drivers=%v", m["drivers"])}
					}
				}
				return Result{Status: "FAIL", Note: fmt.Sprintf("tile missing among %d tiles", len(tiles))}
			},
		},

		// Realtime
		httpCaseMethod("Realtime: points endpoint", http.MethodGet, base+"/api/realtime/points", nil, []int{200}, []int{404}),
		{
			Name:  "Realtime: published point reaches the board",
			Focus: "redis pub/sub to API board",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				bus := realtime.NewRedisBus(r.redis, r.cfg.RedisChannel, nil)
				id := r.driver("rt")
				p := realtime.Coarsen(realtime.CoarseGrid, types.ID(id), types.Point{Lat: 25.0412, Lng: 121.5523}, time.Now())
				start := time.Now()
				if err := bus.Publish(ctx, p); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				deadline := time.Now().Add(3 * time.Second)
				for time.Now().Before(deadline) {
					st, body, err := r.get(ctx, base+"/api/realtime/points")
					if err != nil || st != 200 {
						return Result{Status: "PENDING", Note: fmt.Sprintf("status=%d", st)}
					}
					pts, _ := body["points"].([]any)
					for _, v := range pts {
						if m, ok := v.(map[string]any); ok && m["driver_id"] == id {
							return Result{Status: "PASS", Latency: time.Since(start)}
						}
					}
					time.Sleep(100 * time.Millisecond)
				}
				return Result{Status: "FAIL", Note: "point not visible"}
			},
		},

		// Concurrency
		{
			Name:  "Concurrency: burst from one driver stores one row",
			Focus: "read-decide-insert is atomic per driver",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentPings(ctx, r, pings)
			},
		},
		manualCase("Error: DB down -> 500", "stop postgres and observe ingest responses"),
		manualCase("Error: Redis down -> realtime degrades only", "stop redis; ingest and heatmap must keep working"),

		// Performance
		{
			Name:  "Perf: ingest throughput",
			Focus: "50-100 pings/s sustained",
			Run: func(ctx context.Context, r *Runner) Result {
				var n atomic.Int64
				return perfLoad(ctx, r, func(ctx context.Context) *http.Request {
					i := n.Add(1)
					return jsonRequest(ctx, http.MethodPost, pings, map[string]any{
						"driver_id": r.driver(fmt.Sprintf("perf-%d", i)),
						"lat":       25.0 + float64(i%500)*0.001,
						"lng":       121.5,
					})
				})
			},
		},
		{
			Name:  "Perf: heatmap read throughput",
			Focus: "aggregation under concurrent readers",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, func(ctx context.Context) *http.Request {
					req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/heatmap?window_seconds=600", nil)
					return req
				})
			},
		},
	}
}

func httpCase(name, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return httpCaseMethod(name, http.MethodPost, url, body, okStatuses, pendingStatuses)
}

func httpCaseMethod(name, method, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			req := jsonRequest(ctx, method, url, body)
			start := time.Now()
			resp, err := r.httpc.Do(req)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			latency := time.Since(start)

			note := fmt.Sprintf("status=%d", resp.StatusCode)
			if contains(okStatuses, resp.StatusCode) {
				return Result{Status: "PASS", Latency: latency, Note: note}
			}
			if contains(pendingStatuses, resp.StatusCode) {
				return Result{Status: "PENDING", Latency: latency, Note: note}
			}
			return Result{Status: "FAIL", Latency: latency, Note: note}
		},
	}
}

func heatmapCase(name, url string, wantStatus, wantWindow int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "lookback clamping",
		Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			st, body, err := r.get(ctx, url)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			latency := time.Since(start)
			if st != wantStatus {
				return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d", st)}
			}
			if wantStatus == 200 {
				if w, _ := body["window_seconds"].(float64); int(w) != wantWindow {
					return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("window_seconds=%v", body["window_seconds"])}
				}
			}
			return Result{Status: "PASS", Latency: latency}
		},
	}
}

func manualCase(name, note string) TestCase {
	return TestCase{
		Name:  name,
		Focus: "Manual",
		Run: func(ctx context.Context, r *Runner) Result {
			return Result{Status: "SKIP", Note: note}
		},
	}
}

func concurrentPings(ctx context.Context, r *Runner, url string) Result {
	id := r.driver("burst")
	var wg sync.WaitGroup
	var accepted, limited, deduped atomic.Int64

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// distinct tiles so dedup cannot absorb the burst
			st, body, err := r.post(ctx, url, map[string]any{
				"driver_id": id,
				"lat":       24.0 + float64(i)*0.01,
				"lng":       121.0,
			})
			if err != nil {
				return
			}
			switch {
			case st == 200 && body["dedup"] == true:
				deduped.Add(1)
			case st == 200:
				accepted.Add(1)
			case st == http.StatusTooManyRequests:
				limited.Add(1)
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("accepted=%d limited=%d deduped=%d", accepted.Load(), limited.Load(), deduped.Load())
	if accepted.Load() != 1 {
		return Result{Status: "FAIL", Note: note}
	}
	if n, ok := r.countRows(ctx, id); ok && n != 1 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("%s rows=%d", note, n)}
	}
	return Result{Status: "PASS", Note: note}
}

func perfLoad(ctx context.Context, r *Runner, build func(context.Context) *http.Request) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				resp, err := r.httpc.Do(build(ctx))
				if err != nil {
					errCount.Add(1)
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode >= 500 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f requests=%s errors=%d", rps, humanize.Comma(count.Load()), errCount.Load())}
}

func (r *Runner) countRows(ctx context.Context, driverID string) (int, bool) {
	if r.db == nil {
		return 0, false
	}
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM driver_pings WHERE driver_id = $1`, driverID).Scan(&n); err != nil {
		return 0, false
	}
	return n, true
}

func (r *Runner) post(ctx context.Context, url string, body any) (int, map[string]any, error) {
	return r.do(jsonRequest(ctx, http.MethodPost, url, body))
}

func (r *Runner) get(ctx context.Context, url string) (int, map[string]any, error) {
	return r.do(jsonRequest(ctx, http.MethodGet, url, nil))
}

func (r *Runner) do(req *http.Request) (int, map[string]any, error) {
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, nil
}

func jsonRequest(ctx context.Context, method, url string, body any) *http.Request {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
