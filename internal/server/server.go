package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/campuskb/campuskb/config"
	"github.com/campuskb/campuskb/internal/fetch"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/ingest"
	"github.com/campuskb/campuskb/internal/query"
	"github.com/campuskb/campuskb/internal/ratelimit"
	"github.com/campuskb/campuskb/internal/store"
	"github.com/campuskb/campuskb/provider/openai"
)

// Run wires the whole service and serves HTTP until the process exits.
func Run(cfgPath, addr string) error {
	cfg := config.LoadConfig(cfgPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("[HTTP] migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	prov, err := openai.New(cfg.Provider, log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags))
	if err != nil {
		return err
	}

	fetchLogger := log.New(log.Writer(), "[FETCH] ", log.LstdFlags)
	fetchOpts := fetch.Options{
		Timeout:      cfg.Ingest.FetchTimeout,
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
		BaseDelay:    cfg.Ingest.RetryBaseDelay,
	}
	var fetcher fetch.Fetcher
	switch cfg.Ingest.Fetcher {
	case "chromedp":
		fetcher = fetch.NewChromeFetcher(fetchOpts, fetchLogger)
	default:
		fetcher = fetch.NewHTTPFetcher(fetchOpts, fetchLogger)
	}

	vectors := index.NewPgVector(st, cfg.Provider.EmbeddingDimensions)
	var keyword *index.Keyword
	if cfg.Query.Hybrid {
		keyword, err = index.NewKeyword()
		if err != nil {
			return err
		}
		if err := rebuildKeyword(ctx, st, keyword); err != nil {
			log.Printf("[HTTP] keyword index rebuild: %v", err)
		}
	}

	ingestLogger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	orch := ingest.New(st, fetcher, prov, vectors, keyword, rdb, cfg.Ingest, ingestLogger)
	orch.Start(0)
	orch.StartRefresh(ctx)

	engine := query.NewEngine(prov, prov, vectors, keyword, cfg.Query, log.New(log.Writer(), "[QUERY] ", log.LstdFlags))

	limiter := ratelimit.New()

	secret := cfg.General.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })

	sh := &SourcesHandler{Store: st, Ingestor: orch}
	sh.Register(protected.Group("/sources"),
		rateLimited(limiter, "scrape", cfg.RateLimits.Scrape),
		rateLimited(limiter, "bulk", cfg.RateLimits.Bulk))

	ah := &AskHandler{Engine: engine}
	ah.Register(protected.Group("/ask"), rateLimited(limiter, "query", cfg.RateLimits.Query))

	if addr == "" {
		addr = cfg.General.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// rebuildKeyword reloads the memory-only BM25 index from stored chunk
// metadata so hybrid retrieval survives restarts.
func rebuildKeyword(ctx context.Context, st *store.Store, kw *index.Keyword) error {
	chunks, err := st.ListAllChunks(ctx)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		text, _ := ch.Metadata["text"].(string)
		if text == "" {
			continue
		}
		title, _ := ch.Metadata["title"].(string)
		desc, _ := ch.Metadata["description"].(string)
		meta := index.ChunkMeta{SourceID: ch.SourceID, Title: title, Description: desc, Text: text}
		if err := kw.Index(ch.ID, meta); err != nil {
			return err
		}
	}
	if len(chunks) > 0 {
		log.Printf("[HTTP] keyword index rebuilt with %d chunks", len(chunks))
	}
	return nil
}
