// Package server serves a bridge's ports over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/bridge"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/gwillem/armbus/pkg/robot"
)

// Server exposes GET /positions and PUT /goal_positions for one bridge.
type Server struct {
	bridge *bridge.Bridge
	log    logrus.FieldLogger
	router *gin.Engine
}

// New builds the router for b.
func New(b *bridge.Bridge, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{bridge: b, log: log}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.log, s.bridge.Pipeline().Name()))
	router.GET("/positions", s.getPositions)
	router.PUT("/goal_positions", s.setGoalPositions)
	router.GET("/calibration", s.getCalibration)
	router.GET("/healthz", s.getHealth)

	return router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) getPositions(c *gin.Context) {
	sample, ok := s.bridge.Latest()
	if !ok {
		err := errors.New("no positions read yet")
		c.IndentedJSON(http.StatusServiceUnavailable, err.Error())
		_ = c.AbortWithError(http.StatusServiceUnavailable, err)
		return
	}
	c.IndentedJSON(http.StatusOK, sample)
}

func (s *Server) setGoalPositions(c *gin.Context) {
	var goals robot.GoalState
	if err := c.BindJSON(&goals); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	known := make(map[protocol.ServoID]bool)
	for _, id := range s.bridge.Pipeline().IDs() {
		known[id] = true
	}
	seen := make(map[protocol.ServoID]bool, len(goals))
	for _, g := range goals {
		var err error
		switch {
		case !known[g.ID]:
			err = fmt.Errorf("%w: %d", robot.ErrUnknownServo, g.ID)
		case seen[g.ID]:
			err = fmt.Errorf("%w: %d", protocol.ErrDuplicateID, g.ID)
		}
		if err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		seen[g.ID] = true
	}

	s.bridge.Submit(goals)
	s.log.WithField("goals", len(goals)).Debug("goal positions queued")

	c.IndentedJSON(http.StatusAccepted, goals)
}

func (s *Server) getCalibration(c *gin.Context) {
	cal := s.bridge.Pipeline().Calibration()
	if cal == nil {
		err := errors.New("bus has no calibration")
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, cal)
}

func (s *Server) getHealth(c *gin.Context) {
	st := s.bridge.Status()
	code := http.StatusOK
	if st.LastError != "" {
		code = http.StatusServiceUnavailable
	}
	c.IndentedJSON(code, st)
}
