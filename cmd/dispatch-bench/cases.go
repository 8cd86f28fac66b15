// README: Bench checks: infrastructure reachability, schema, mailbox hygiene, accept race and poll load.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "Redis: mailboxes expire", Run: checkMailboxTTL},
		{Name: "Accept: one winner under contention", Run: concurrentAccept},
		{Name: "Poll: sustained load", Run: pollLoad},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusFail, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func checkHealth(ctx context.Context, r *Runner) Result {
	start := time.Now()
	code, err := r.do(ctx, http.MethodGet, "/health", "")
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	if code != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("status=%d", code)}
	}
	return Result{Status: StatusPass, Latency: time.Since(start)}
}

// checkMailboxTTL fails when a driver mailbox has no expiry set.
func checkMailboxTTL(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusFail, Note: "redis not configured"}
	}
	iter := r.redis.Scan(ctx, 0, "driver_rides:*", 200).Iterator()
	seen := 0
	for iter.Next(ctx) {
		seen++
		ttl, err := r.redis.TTL(ctx, iter.Val()).Result()
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if ttl < 0 {
			return Result{Status: StatusFail, Note: "no ttl on " + iter.Val()}
		}
	}
	if err := iter.Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("mailboxes=%d", seen)}
}

// concurrentAccept races every configured driver for the same ride and
// expects exactly one 200 with the rest rejected as conflicts.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.cfg.RideID == "" || len(r.cfg.DriverTokens) < 2 {
		return Result{Status: StatusSkip, Note: "needs -ride and at least two -driver-tokens"}
	}
	var won, conflicts atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for _, token := range r.cfg.DriverTokens {
		g.Go(func() error {
			code, err := r.do(gctx, http.MethodPost, "/api/rides/"+r.cfg.RideID+"/accept", token)
			if err != nil {
				return err
			}
			switch code {
			case http.StatusOK:
				won.Add(1)
			case http.StatusConflict:
				conflicts.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("success=%d conflict=%d", won.Load(), conflicts.Load())
	if won.Load() != 1 {
		return Result{Status: StatusFail, Latency: time.Since(start), Note: note}
	}
	return Result{Status: StatusPass, Latency: time.Since(start), Note: note}
}

func pollLoad(ctx context.Context, r *Runner) Result {
	if r.cfg.PollDriverID == "" || r.cfg.PollToken == "" {
		return Result{Status: StatusSkip, Note: "needs -poll-driver and -poll-token"}
	}
	path := "/api/drivers/" + r.cfg.PollDriverID + "/poll"
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64

	var g errgroup.Group
	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			for time.Now().Before(end) && ctx.Err() == nil {
				code, err := r.do(ctx, http.MethodPost, path, r.cfg.PollToken)
				if err != nil || code != http.StatusOK {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if count.Load() == 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("no successful polls, errors=%d", errCount.Load())}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func (r *Runner) do(ctx context.Context, method, path, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
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
