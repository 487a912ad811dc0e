package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tasklinker/backend/internal/apperr"
	"github.com/tasklinker/backend/internal/applications"
	"github.com/tasklinker/backend/internal/middleware"
	"github.com/tasklinker/backend/internal/models"
)

type ApplicationService interface {
	Accept(ctx context.Context, actor models.Actor, taskID, applicationID uuid.UUID) (*applications.Acceptance, error)
}

type ApplicationHandler struct {
	Applications ApplicationService
	Logger       *zap.Logger
}

// Accept handles POST /api/v1/tasks/{taskID}/applications/{applicationID}/accept.
func (h *ApplicationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	taskID, err := uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.ValidationError, "invalid task id"))
		return
	}
	appID, err := uuid.Parse(r.PathValue("applicationID"))
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.ValidationError, "invalid application id"))
		return
	}
	res, err := h.Applications.Accept(r.Context(), actor, taskID, appID)
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal && h.Logger != nil {
			h.Logger.Error("accept application failed",
				zap.String("task_id", taskID.String()),
				zap.String("application_id", appID.String()),
				zap.Error(err),
			)
		}
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
