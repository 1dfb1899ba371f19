// Package handler exposes the subscription engine over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orchestrator/internal/subscription/lifecycle"
	"orchestrator/internal/subscription/models"
	"orchestrator/internal/subscription/saver"
	"orchestrator/internal/subscription/transition"
	id "orchestrator/pkg/domain"
	dErrors "orchestrator/pkg/domain-errors"
	"orchestrator/pkg/platform/httputil"
	"orchestrator/pkg/platform/middleware/requesttime"
	"orchestrator/pkg/requestcontext"
)

// Service defines the subscription operations the handler needs.
type Service interface {
	Create(ctx context.Context, productRef, customerID string) (*models.Subscription, error)
	Save(ctx context.Context, sub *models.Subscription) (*saver.RowsWritten, error)
	Load(ctx context.Context, subID id.SubscriptionID, status lifecycle.Status) (*models.Subscription, error)
	LoadBlock(ctx context.Context, instanceID id.InstanceID, status lifecycle.Status, matchDeclaredField bool, boundary id.SubscriptionID) (*models.Block, error)
	ChangeStatus(ctx context.Context, subID id.SubscriptionID, target lifecycle.Status, skipSafetyCheck bool) (*models.Subscription, error)
	Dependents(ctx context.Context, subID id.SubscriptionID) ([]transition.Dependent, error)
}

// Handler handles subscription endpoints.
type Handler struct {
	logger        *slog.Logger
	subscriptions Service
}

// New creates a new subscription Handler.
func New(subscriptions Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, subscriptions: subscriptions}
}

// Register registers the subscription routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	subRouter := chi.NewRouter()
	subRouter.Use(middleware.RequestID)
	subRouter.Use(middleware.Recoverer)
	subRouter.Use(middleware.Timeout(30 * time.Second))
	subRouter.Use(requesttime.Middleware)
	subRouter.Post("/subscriptions", h.handleCreate)
	subRouter.Get("/subscriptions/{id}", h.handleGet)
	subRouter.Get("/subscriptions/{id}/dependents", h.handleDependents)
	subRouter.Post("/subscriptions/{id}/transition", h.handleTransition)
	subRouter.Get("/instances/{id}", h.handleGetInstance)

	r.Mount("/", subRouter)
}

type createRequest struct {
	Product     string `json:"product"`
	CustomerID  string `json:"customer_id"`
	Description string `json:"description"`
	Note        string `json:"note"`
}

type transitionRequest struct {
	Status          string `json:"status"`
	SkipSafetyCheck bool   `json:"skip_safety_check"`
}

// handleCreate creates and saves a subscription in the initial status.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid create subscription request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.Product == "" || req.CustomerID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "product and customer_id are required"))
		return
	}

	sub, err := h.subscriptions.Create(ctx, req.Product, req.CustomerID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	sub.Description = req.Description
	sub.Note = req.Note
	if _, err := h.subscriptions.Save(ctx, sub); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toSubscriptionView(sub))
}

// handleGet loads a subscription, optionally typed for another status.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status, err := statusParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sub, err := h.subscriptions.Load(ctx, subID, status)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSubscriptionView(sub))
}

// handleGetInstance loads one block and its subtree.
func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, err := id.ParseInstanceID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status, err := statusParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if status == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "status is required"))
		return
	}
	matchDeclared := true
	if raw := r.URL.Query().Get("match_declared_field"); raw != "" {
		matchDeclared, err = strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "match_declared_field must be a boolean"))
			return
		}
	}
	var boundary id.SubscriptionID
	if raw := r.URL.Query().Get("boundary"); raw != "" {
		boundary, err = id.ParseSubscriptionID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	b, err := h.subscriptions.LoadBlock(ctx, instanceID, status, matchDeclared, boundary)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toBlockView(b, b.Owner))
}

// handleDependents lists subscriptions linking to the subscription's blocks.
func (h *Handler) handleDependents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	deps, err := h.subscriptions.Dependents(ctx, subID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	out := make([]dependentView, 0, len(deps))
	for _, d := range deps {
		out = append(out, dependentView{
			SubscriptionID: d.SubscriptionID.String(),
			Description:    d.Description,
			Status:         string(d.Status),
			InstanceID:     d.InstanceID.String(),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"dependents": out})
}

// handleTransition moves a subscription to another lifecycle status.
func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID, err := id.ParseSubscriptionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid transition request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	target, err := lifecycle.ParseStatus(req.Status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sub, err := h.subscriptions.ChangeStatus(ctx, subID, target, req.SkipSafetyCheck)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSubscriptionView(sub))
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "subscription request failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}

func statusParam(r *http.Request) (lifecycle.Status, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return "", nil
	}
	return lifecycle.ParseStatus(raw)
}
