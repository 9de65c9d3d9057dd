package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/topout/internal/coordination"
	"github.com/pscheid92/topout/internal/domain"
	apperrors "github.com/pscheid92/topout/internal/errors"
	"github.com/pscheid92/topout/internal/platform/version"
	"github.com/pscheid92/topout/internal/presence"
)

const (
	activeGymsKey = "active"
	lookupTimeout = 5 * time.Second
)

// lookup runs fn once for all concurrent callers with the same key. fn gets a
// context detached from the caller, since the caller that started the call
// may go away while others still wait on it.
func (s *Server) lookup(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err, _ := s.lookups.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return fn(ctx)
	})
	return v, err
}

// handleActiveGyms scans every membership set, so concurrent requests share
// one scan.
func (s *Server) handleActiveGyms(c echo.Context) error {
	v, err := s.lookup(c.Request().Context(), activeGymsKey, func(ctx context.Context) (any, error) {
		return s.store.ActiveGyms(ctx)
	})
	if err != nil {
		return apperrors.UnavailableError("failed to list active gyms", err)
	}

	if err := c.JSON(http.StatusOK, v.([]domain.GymActivity)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleGymClimbers returns the records a viewer snapshot for the gym would carry.
func (s *Server) handleGymClimbers(c echo.Context) error {
	gymID := c.Param("gym_id")
	if gymID == "" {
		return apperrors.ValidationError("gym_id is required")
	}

	v, err := s.lookup(c.Request().Context(), "climbers:"+gymID, func(ctx context.Context) (any, error) {
		return presence.Climbers(ctx, s.store, gymID)
	})
	if err != nil {
		return apperrors.UnavailableError("failed to load climbers", err).WithField("gym_id", gymID)
	}

	if err := c.JSON(http.StatusOK, v.([]domain.ClimberRecord)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleInstances lists live instances. Without a shared store only this
// instance exists.
func (s *Server) handleInstances(c echo.Context) error {
	var instances []coordination.InstanceInfo
	if s.instances == nil {
		instances = []coordination.InstanceInfo{{
			InstanceID: s.instanceID,
			Timestamp:  s.clock.Now().Unix(),
			Version:    version.Get().String(),
		}}
	} else {
		var err error
		instances, err = s.instances.ActiveInstances(c.Request().Context())
		if err != nil {
			return apperrors.UnavailableError("failed to list instances", err)
		}
	}

	if err := c.JSON(http.StatusOK, instances); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
