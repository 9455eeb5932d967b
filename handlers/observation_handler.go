package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/middleware"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/services/approval"
	"github.com/upb/fleet-control-plane/services/observations"
	"github.com/upb/fleet-control-plane/utils"
	"go.uber.org/zap"
)

// CreateObservationRequest is one software sighting posted by an agent
type CreateObservationRequest struct {
	DeviceID       string     `json:"deviceId" validate:"required,max=255"`
	IdentityHint   string     `json:"identityHint,omitempty" validate:"max=320"`
	Name           string     `json:"name" validate:"required,max=255"`
	Version        string     `json:"version" validate:"required,max=100"`
	Vendor         string     `json:"vendor,omitempty" validate:"max=255"`
	Path           string     `json:"path,omitempty" validate:"max=1024"`
	SHA256         string     `json:"sha256,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Running        bool       `json:"running"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
	RiskHint       *int       `json:"riskHint,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// ObservationResponse represents an observation in API responses
type ObservationResponse struct {
	ID             uuid.UUID            `json:"id"`
	DeviceID       string               `json:"deviceId"`
	IdentityID     uuid.UUID            `json:"identityId"`
	Name           string               `json:"name"`
	Version        string               `json:"version"`
	Vendor         string               `json:"vendor"`
	Path           string               `json:"path,omitempty"`
	SHA256         string               `json:"sha256,omitempty"`
	InstallMethod  string               `json:"installMethod"`
	DetectedBy     string               `json:"detectedBy"`
	State          models.ApprovalState `json:"state"`
	Reason         string               `json:"reason"`
	Source         models.VerdictSource `json:"source,omitempty"`
	RiskScore      int                  `json:"riskScore"`
	Running        bool                 `json:"running"`
	LastExecutedAt *time.Time           `json:"lastExecutedAt,omitempty"`
	DecidedAt      *time.Time           `json:"decidedAt,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// ObservationService is the intake and read side of observations
type ObservationService interface {
	Observe(ctx context.Context, req observations.Request) (*models.Observation, bool, error)
	Get(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error)
	List(ctx context.Context, teamID uuid.UUID, state string, limit, offset int) ([]*models.Observation, error)
}

// ApprovalService decides pending observations
type ApprovalService interface {
	Decide(ctx context.Context, req approval.Request) (*approval.Result, error)
}

// ObservationHandler handles software observation and approval requests
type ObservationHandler struct {
	observations ObservationService
	approvals    ApprovalService
	logger       *zap.Logger
}

// NewObservationHandler creates a new ObservationHandler
func NewObservationHandler(observations ObservationService, approvals ApprovalService, logger *zap.Logger) *ObservationHandler {
	return &ObservationHandler{
		observations: observations,
		approvals:    approvals,
		logger:       logger,
	}
}

// HandleCreate handles POST /api/v1/software/observations.
// A first sighting answers 201, a repeat 200.
func (h *ObservationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		h.logger.Error("missing agent principal in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing agent credential")
		return
	}

	var req CreateObservationRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	req.SHA256 = strings.TrimSpace(req.SHA256)
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	credentialID := principal.CredentialID
	obs, created, err := h.observations.Observe(ctx, observations.Request{
		TeamID:         principal.TeamID,
		CredentialID:   &credentialID,
		DeviceID:       req.DeviceID,
		IdentityHint:   req.IdentityHint,
		SoftwareName:   req.Name,
		Version:        req.Version,
		Vendor:         req.Vendor,
		InstallPath:    req.Path,
		SHA256:         req.SHA256,
		Running:        req.Running,
		LastExecutedAt: req.LastExecutedAt,
		RiskHint:       req.RiskHint,
	})
	if err != nil {
		h.logger.Error("failed to record observation",
			zap.String("request_id", requestID),
			zap.String("team_id", principal.TeamID.String()),
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if created {
		h.logger.Info("observation created",
			zap.String("request_id", requestID),
			zap.String("team_id", obs.TeamID.String()),
			zap.String("observation_id", obs.ID.String()),
			zap.String("software", obs.SoftwareName),
			zap.String("version", obs.Version))
		_ = utils.WriteCreated(w, toObservationResponse(obs))
		return
	}
	_ = utils.WriteOK(w, toObservationResponse(obs))
}

// HandleList handles GET /api/v1/software/observations
func (h *ObservationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	teamID := middleware.GetTeamIDFromContext(ctx)
	if teamID == uuid.Nil {
		h.logger.Error("missing team ID in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing team information")
		return
	}

	limit, err := utils.QueryInt(r, "limit", observations.DefaultListLimit)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	offset, err := utils.QueryInt(r, "offset", 0)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	state := r.URL.Query().Get("state")

	list, err := h.observations.List(ctx, teamID, state, limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	response := make([]ObservationResponse, 0, len(list))
	for _, obs := range list {
		response = append(response, toObservationResponse(obs))
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"observations": response,
		"state":        state,
		"limit":        limit,
		"offset":       offset,
	})
}

// HandleGet handles GET /api/v1/software/observations/{id}
func (h *ObservationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	teamID := middleware.GetTeamIDFromContext(ctx)
	if teamID == uuid.Nil {
		_ = utils.WriteUnauthorized(w, "Missing team information")
		return
	}

	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	obs, err := h.observations.Get(ctx, teamID, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, toObservationResponse(obs))
}

// HandleDecide handles POST /api/v1/software/observations/{id}/decide.
// Deciding an observation that already has a verdict returns that verdict.
func (h *ObservationHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	teamID := middleware.GetTeamIDFromContext(ctx)
	if teamID == uuid.Nil {
		h.logger.Error("missing team ID in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing team information")
		return
	}

	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	var actorID *uuid.UUID
	if sess := middleware.GetSessionFromContext(ctx); sess != nil {
		actorID = sess.UserID
	}

	result, err := h.approvals.Decide(ctx, approval.Request{
		TeamID:        teamID,
		ObservationID: id,
		ActorID:       actorID,
		RequestID:     requestID,
	})
	if err != nil {
		h.logger.Error("failed to decide observation",
			zap.String("request_id", requestID),
			zap.String("team_id", teamID.String()),
			zap.String("observation_id", id.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, result)
}

func toObservationResponse(o *models.Observation) ObservationResponse {
	return ObservationResponse{
		ID:             o.ID,
		DeviceID:       o.DeviceID,
		IdentityID:     o.IdentityID,
		Name:           o.SoftwareName,
		Version:        o.Version,
		Vendor:         o.Vendor,
		Path:           o.InstallPath,
		SHA256:         o.SHA256,
		InstallMethod:  o.InstallMethod,
		DetectedBy:     o.DetectedBy,
		State:          o.State,
		Reason:         o.Reason,
		Source:         o.VerdictSource,
		RiskScore:      o.RiskScore,
		Running:        o.Running,
		LastExecutedAt: o.LastExecutedAt,
		DecidedAt:      o.DecidedAt,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}
