package routes

import (
	"net/http"
	"strings"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/veska-bio/loom/internal/queue"
	"github.com/veska-bio/loom/internal/server/middleware"
	"github.com/veska-bio/loom/pkg/research"
)

// SubmitCaseHandler accepts a research plan and queues the case for a worker
func SubmitCaseHandler(c echo.Context) error {
	type directionBody struct {
		ID          string `json:"id"`
		Topic       string `json:"topic" validate:"required"`
		OwnerWorker string `json:"ownerWorker"`
		Priority    int    `json:"priority" validate:"omitempty,gte=0"`
		Strategy    string `json:"strategy" validate:"omitempty,oneof=breadthFirst depthFirst skip"`
	}

	type submitCaseBody struct {
		CaseID      string          `json:"caseId" validate:"omitempty,max=128"`
		CaseSummary string          `json:"caseSummary" validate:"required"`
		KeyEntities []string        `json:"keyEntities"`
		Directions  []directionBody `json:"directions" validate:"required,min=1,dive"`
	}

	type submitCaseResponse struct {
		Message string `json:"message"`
		CaseID  string `json:"caseId,omitempty"`
	}

	data := new(submitCaseBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, submitCaseResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, submitCaseResponse{
			Message: "Invalid request body",
		})
	}

	user := c.(*middleware.AppContext).User
	if user == nil {
		return c.JSON(http.StatusUnauthorized, submitCaseResponse{
			Message: "Unauthorized",
		})
	}

	// Case ids end up as directory and object key segments, so path
	// separators are rejected rather than escaped.
	caseID := strings.TrimSpace(data.CaseID)
	if strings.ContainsAny(caseID, "/\\") || caseID == "." || caseID == ".." {
		return c.JSON(http.StatusBadRequest, submitCaseResponse{
			Message: "Invalid case id",
		})
	}
	if caseID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, submitCaseResponse{
				Message: "Internal server error",
			})
		}
		caseID = id
	}

	plan := &research.Plan{
		CaseSummary: data.CaseSummary,
		KeyEntities: data.KeyEntities,
	}
	for _, dir := range data.Directions {
		plan.Directions = append(plan.Directions, research.Direction{
			ID:          dir.ID,
			Topic:       dir.Topic,
			OwnerWorker: dir.OwnerWorker,
			Priority:    dir.Priority,
			Strategy:    research.Strategy(dir.Strategy),
		})
	}

	// Normalizing here pins generated direction ids before the message is
	// queued, so every redelivery replays the exact same plan.
	if err := plan.Normalize(); err != nil {
		return c.JSON(http.StatusBadRequest, submitCaseResponse{
			Message: err.Error(),
		})
	}

	msg := queue.ResearchJobMsg{
		CaseID:      caseID,
		CaseSummary: plan.CaseSummary,
		KeyEntities: plan.KeyEntities,
	}
	for _, dir := range plan.Directions {
		msg.Directions = append(msg.Directions, queue.PlannedDirection{
			ID:          dir.ID,
			Topic:       dir.Topic,
			OwnerWorker: dir.OwnerWorker,
			Priority:    dir.Priority,
			Strategy:    string(dir.Strategy),
		})
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishResearchJob(ch, msg); err != nil {
		return c.JSON(http.StatusInternalServerError, submitCaseResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, submitCaseResponse{
		Message: "Case queued",
		CaseID:  caseID,
	})
}
