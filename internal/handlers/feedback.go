package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/ratelimit"
)

const defaultFeedbackPageSize = 100

// FeedbackStore persists user feedback.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, fb *models.Feedback) error
	ListFeedbackByUser(ctx context.Context, userID int64) ([]models.Feedback, error)
	ListFeedback(ctx context.Context, limit int) ([]models.Feedback, error)
	UpdateFeedbackStatus(ctx context.Context, id string, status models.FeedbackStatus) error
}

// ActionChecker gates an action class for a user.
type ActionChecker interface {
	Check(ctx context.Context, userID int64, action string) error
}

type submitFeedbackRequest struct {
	Type    models.FeedbackType `json:"type" validate:"required,oneof=bug feature improvement other"`
	Message string              `json:"message" validate:"required,max=5000"`
	Page    *string             `json:"page" validate:"omitempty,max=500"`
}

type feedbackStatusRequest struct {
	Status models.FeedbackStatus `json:"status" validate:"required,oneof=new reviewed resolved dismissed"`
}

// SubmitFeedback stores feedback from the caller, snapshotting their email and name.
func SubmitFeedback(feedback FeedbackStore, users UserGetter, limiter ActionChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		var req submitFeedbackRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Message = strings.TrimSpace(req.Message)
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		ctx := r.Context()
		if err := limiter.Check(ctx, uid, ratelimit.ActionFeedback); err != nil {
			writeServiceError(w, r, "feedback.submit", err)
			return
		}

		user, err := users.GetUserByID(ctx, uid)
		if err != nil {
			writeServiceError(w, r, "feedback.submit", err)
			return
		}

		fb := &models.Feedback{
			UserID:    uid,
			UserEmail: user.Email,
			UserName:  user.Name,
			Type:      req.Type,
			Message:   req.Message,
			Page:      req.Page,
		}
		if err := feedback.CreateFeedback(ctx, fb); err != nil {
			writeServiceError(w, r, "feedback.submit", err)
			return
		}
		log.Info().Int64("user_id", uid).Str("feedback_id", fb.ID).Str("type", string(fb.Type)).Msg("feedback submitted")
		writeJSON(w, http.StatusCreated, fb)
	}
}

// MyFeedback lists the caller's feedback, newest first.
func MyFeedback(feedback FeedbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		items, err := feedback.ListFeedbackByUser(r.Context(), uid)
		if err != nil {
			writeServiceError(w, r, "feedback.mine", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": items})
	}
}

// ListFeedback lists all feedback for administrators.
func ListFeedback(feedback FeedbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultFeedbackPageSize
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		items, err := feedback.ListFeedback(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, "feedback.list", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": items})
	}
}

// UpdateFeedbackStatus sets the review status of feedback {id}.
func UpdateFeedbackStatus(feedback FeedbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "feedback id is required")
			return
		}
		var req feedbackStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := feedback.UpdateFeedbackStatus(r.Context(), id, req.Status); err != nil {
			writeServiceError(w, r, "feedback.update_status", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
	}
}
