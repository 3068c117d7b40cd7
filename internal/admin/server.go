// Package admin serves the operational HTTP endpoints of the bar server.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bars/internal/broker"
	"bars/internal/metrics"
	"bars/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// GeneratorLister reports the live bar streams.
type GeneratorLister interface {
	Keys() []model.BarKey
}

// Generator is one live bar stream as returned by /v1/generators.
type Generator struct {
	Exchange   string           `json:"exchange"`
	MarketType model.MarketType `json:"market_type"`
	Pair       string           `json:"pair"`
	RawPair    string           `json:"raw_pair"`
	BarType    model.BarType    `json:"bar_type"`
	BarSize    float64          `json:"bar_size"`
	Channel    string           `json:"channel"`
}

// Handler routes the admin API.
type Handler struct {
	router  *gin.Engine
	lister  GeneratorLister
	prefix  string
	started time.Time
}

// NewHandler creates the admin routes. prefix is the redis topic prefix used to
// report the channel of each bar stream.
func NewHandler(lister GeneratorLister, prefix string) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:  router,
		lister:  lister,
		prefix:  prefix,
		started: time.Now(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", h.health)
	h.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := h.router.Group("/v1")
	{
		v1.GET("/generators", h.generators)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"generators": len(h.lister.Keys()),
	})
}

// generators lists live bar streams, optionally filtered by the bar_type and
// pair query parameters.
func (h *Handler) generators(c *gin.Context) {
	barType := model.BarType(c.Query("bar_type"))
	if barType != "" && !barType.Valid() {
		writeError(c, http.StatusBadRequest, fmt.Errorf("unknown bar_type %q", barType))
		return
	}
	pair := c.Query("pair")

	out := make([]Generator, 0)
	for _, key := range h.lister.Keys() {
		if barType != "" && key.Type != barType {
			continue
		}
		if pair != "" && key.Pair != pair {
			continue
		}
		out = append(out, Generator{
			Exchange:   key.Exchange,
			MarketType: key.MarketType,
			Pair:       key.Pair,
			RawPair:    key.RawPair,
			BarType:    key.Type,
			BarSize:    key.Size,
			Channel:    broker.BarChannel(h.prefix, key),
		})
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	log.Info().Msg("admin server stopped")
	return nil
}
