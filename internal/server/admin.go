// Package server exposes a loopback admin surface for a running session.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/ddpctl/internal/observability"
	"github.com/danmuck/ddpctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// SessionView is the read-only session surface the admin routes report on.
type SessionView interface {
	Snapshot() session.Snapshot
	PendingRequests() []session.PendingInfo
	State() session.State
}

type Admin struct {
	Name     string
	Addr     string
	Appeared time.Time

	view   SessionView
	router *gin.Engine
}

func Appear(name, addr string, view SessionView) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetrics(name))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		view:     view,
		router:   r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.Name,
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		state := a.view.State()
		status := http.StatusOK
		if state != session.StateReady {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   state == session.StateReady,
			"state":   state.String(),
			"service": a.Name,
			"version": version,
		})
	})

	a.router.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.view.Snapshot())
	})

	a.router.GET("/pending", func(c *gin.Context) {
		pending := a.view.PendingRequests()
		if pending == nil {
			pending = []session.PendingInfo{}
		}
		c.JSON(http.StatusOK, gin.H{
			"count":   len(pending),
			"pending": pending,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
