package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/middleware"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/services/heartbeat"
	"github.com/upb/fleet-control-plane/services/liveness"
	"github.com/upb/fleet-control-plane/utils"
	"go.uber.org/zap"
)

const (
	defaultAgentPageSize = 50
	maxAgentPageSize     = 200
)

// HeartbeatRequest is the body an agent posts on every liveness ping
type HeartbeatRequest struct {
	DeviceID     string  `json:"deviceId" validate:"required,max=255"`
	IdentityHint string  `json:"identityHint,omitempty" validate:"max=320"`
	Status       *string `json:"status,omitempty" validate:"omitempty,max=64"`
}

// AgentResponse represents an agent in API responses
type AgentResponse struct {
	ID         uuid.UUID  `json:"id"`
	DeviceID   string     `json:"deviceId"`
	IdentityID *uuid.UUID `json:"identityId,omitempty"`
	Alive      bool       `json:"alive"`
	Status     string     `json:"status"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// HeartbeatIngestor applies heartbeats to the registry
type HeartbeatIngestor interface {
	Ingest(ctx context.Context, req heartbeat.Request) (*heartbeat.Ack, error)
}

// SweepRunner runs an on-demand liveness sweep
type SweepRunner interface {
	RunOnce(ctx context.Context, trigger string) (liveness.SweepResult, error)
}

// Reconciler produces reconciled fleet statistics for a team
type Reconciler interface {
	Reconcile(ctx context.Context, teamID uuid.UUID) (*models.FleetStats, error)
}

// AgentReader reads the registry with liveness evaluated at read time
type AgentReader interface {
	ListAgents(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.Agent, error)
	GetAgent(ctx context.Context, teamID, id uuid.UUID) (*models.Agent, error)
}

// AgentHandler handles agent heartbeats and fleet liveness reads
type AgentHandler struct {
	ingestor   HeartbeatIngestor
	sweeper    SweepRunner
	reconciler Reconciler
	agents     AgentReader
	logger     *zap.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(ingestor HeartbeatIngestor, sweeper SweepRunner, reconciler Reconciler, agents AgentReader, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		ingestor:   ingestor,
		sweeper:    sweeper,
		reconciler: reconciler,
		agents:     agents,
		logger:     logger,
	}
}

// HandleHeartbeat handles POST /api/v1/agents/heartbeat
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		h.logger.Error("missing agent principal in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing agent credential")
		return
	}

	var req HeartbeatRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	credentialID := principal.CredentialID
	ack, err := h.ingestor.Ingest(ctx, heartbeat.Request{
		TeamID:       principal.TeamID,
		CredentialID: &credentialID,
		DeviceID:     req.DeviceID,
		IdentityHint: req.IdentityHint,
		Status:       req.Status,
	})
	if err != nil {
		h.logger.Error("failed to ingest heartbeat",
			zap.String("request_id", requestID),
			zap.String("team_id", principal.TeamID.String()),
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, ack)
}

// HandleCheckActivity handles POST /api/v1/agents/check-activity.
// A sweep already in progress answers with skipped=true.
func (h *AgentHandler) HandleCheckActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	result, err := h.sweeper.RunOnce(ctx, liveness.TriggerAgent)
	if err != nil {
		h.logger.Error("on-demand sweep failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, services.WrapInternal("liveness sweep failed", err), h.logger)
		return
	}

	_ = utils.WriteOK(w, result)
}

// HandleStats handles GET /api/v1/agents/stats
func (h *AgentHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	teamID := middleware.GetTeamIDFromContext(ctx)
	if teamID == uuid.Nil {
		h.logger.Error("missing team ID in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing team information")
		return
	}

	stats, err := h.reconciler.Reconcile(ctx, teamID)
	if err != nil {
		h.logger.Error("failed to reconcile fleet stats",
			zap.String("request_id", requestID),
			zap.String("team_id", teamID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, stats)
}

// HandleListAgents handles GET /api/v1/agents
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	teamID := middleware.GetTeamIDFromContext(ctx)
	if teamID == uuid.Nil {
		h.logger.Error("missing team ID in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing team information")
		return
	}

	limit, offset, err := pageParams(r, defaultAgentPageSize, maxAgentPageSize)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	agents, err := h.agents.ListAgents(ctx, teamID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list agents",
			zap.String("request_id", requestID),
			zap.String("team_id", teamID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, toAgentResponse(a))
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"agents": response,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleGetAgent handles GET /api/v1/agents/{id}
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
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

	agent, err := h.agents.GetAgent(ctx, teamID, id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, toAgentResponse(agent))
}

func toAgentResponse(a *models.Agent) AgentResponse {
	return AgentResponse{
		ID:         a.ID,
		DeviceID:   a.DeviceID,
		IdentityID: a.IdentityID,
		Alive:      a.Alive,
		Status:     a.Status,
		LastSeen:   a.LastSeen,
		CreatedAt:  a.CreatedAt,
	}
}

// pageParams reads limit and offset, clamping limit to maxLimit
func pageParams(r *http.Request, def, maxLimit int) (int, int, error) {
	limit, err := utils.QueryInt(r, "limit", def)
	if err != nil {
		return 0, 0, err
	}
	offset, err := utils.QueryInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	if limit == 0 {
		limit = def
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, offset, nil
}
