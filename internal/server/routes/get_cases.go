package routes

import (
	"errors"
	"net/http"
	"time"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/veska-bio/loom/internal/server/middleware"
	"github.com/veska-bio/loom/internal/server/util"
	"github.com/veska-bio/loom/pkg/checkpoint"
	"github.com/veska-bio/loom/pkg/research"
)

// GetCaseStatusHandler reports the latest checkpointed state of a case.
// Finished cases whose checkpoints were archived to object storage are
// served from the archive when the primary store no longer has them.
func GetCaseStatusHandler(c echo.Context) error {
	type caseStatusParams struct {
		CaseID string `param:"id" validate:"required"`
	}

	type directionStatus struct {
		ID              string `json:"id"`
		Topic           string `json:"topic"`
		Status          string `json:"status"`
		Strategy        string `json:"strategy"`
		IterationsSpent int    `json:"iterationsSpent"`
		EntityCount     int    `json:"entityCount"`
	}

	type caseStatusResponse struct {
		CaseID        string            `json:"caseId"`
		Status        string            `json:"status"`
		RoundIndex    int               `json:"roundIndex"`
		Reason        string            `json:"reason,omitempty"`
		Entities      int               `json:"entities"`
		Relationships int               `json:"relationships"`
		Observations  int               `json:"observations"`
		Directions    []directionStatus `json:"directions"`
		SavedAt       time.Time         `json:"savedAt"`
		Archived      bool              `json:"archived,omitempty"`
	}

	params := new(caseStatusParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	user := c.(*middleware.AppContext).User
	if user == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	archived := false
	cp, err := app.Checkpoints.Latest(ctx, params.CaseID)
	if errors.Is(err, checkpoint.ErrNotFound) && app.Archive != nil {
		cp, err = checkpoint.LatestArchived(ctx, app.Archive, params.CaseID)
		archived = err == nil
	}
	if errors.Is(err, checkpoint.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Case not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	var last *research.Decision
	if len(cp.History) > 0 {
		last = &cp.History[len(cp.History)-1]
	}

	resp := caseStatusResponse{
		CaseID:        cp.CaseID,
		Status:        util.CaseStatusFromDecision(cp.Terminal, last != nil && last.Forced),
		RoundIndex:    cp.RoundIndex,
		Entities:      len(cp.Graph.Entities),
		Relationships: len(cp.Graph.Relationships),
		Observations:  len(cp.Graph.Observations),
		SavedAt:       cp.SavedAt,
		Archived:      archived,
	}
	if last != nil {
		resp.Reason = last.Reason
	}
	if cp.Plan != nil {
		for _, dir := range cp.Plan.Directions {
			resp.Directions = append(resp.Directions, directionStatus{
				ID:              dir.ID,
				Topic:           dir.Topic,
				Status:          string(dir.Status),
				Strategy:        string(dir.Strategy),
				IterationsSpent: dir.IterationsSpent,
				EntityCount:     len(dir.CollectedEntityIDs),
			})
		}
	}

	return c.JSON(http.StatusOK, resp)
}
