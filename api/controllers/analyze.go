package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/bodyscan-backend/api/middleware"
	"github.com/angelmondragon/bodyscan-backend/api/responses"
	"github.com/angelmondragon/bodyscan-backend/api/validators"
	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

const (
	maxJobIDLength = 64
	maxTokenLength = 2048
)

// AnalyzeUploadTargets creates a job and returns presigned PUT URLs for its photos.
func AnalyzeUploadTargets(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}

		var payload analyze.UploadInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp, err := svc.IssueUploadTargets(r.Context(), accountID, payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, resp)
	}
}

// AnalyzeStart holds a ticket and queues the job for dispatch.
func AnalyzeStart(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}
		jobID, ok := requireJobID(w, r, logg)
		if !ok {
			return
		}

		var payload analyze.StartInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithJobID(ctx, jobID)
		}
		resp, err := svc.Start(ctx, accountID, jobID, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, resp)
	}
}

func AnalyzeGet(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}
		jobID, ok := requireJobID(w, r, logg)
		if !ok {
			return
		}

		view, err := svc.Get(r.Context(), accountID, jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func AnalyzeList(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}

		size, err := validators.ParseQueryInt(r, "limit", 20, 1, 50)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items, err := svc.List(r.Context(), accountID, size)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"items": items})
	}
}

// AnalyzeShare mints a read-only share link for a completed job.
func AnalyzeShare(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}
		jobID, ok := requireJobID(w, r, logg)
		if !ok {
			return
		}

		link, err := svc.IssueShareLink(r.Context(), accountID, jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, link)
	}
}

// AnalyzeShared resolves a share token without an authenticated account.
func AnalyzeShared(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		token, err := validators.PathParam(r, "token", maxTokenLength)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.GetShared(r.Context(), token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func AnalyzeRecommend(svc analyze.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "analyze service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}
		jobID, ok := requireJobID(w, r, logg)
		if !ok {
			return
		}

		recommendation, err := svc.Recommend(r.Context(), accountID, jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, recommendation)
	}
}

func requireAccount(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (uuid.UUID, bool) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == uuid.Nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "account context missing"))
		return uuid.Nil, false
	}
	return accountID, true
}

func requireJobID(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (string, bool) {
	jobID, err := validators.PathParam(r, "jobId", maxJobIDLength)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return "", false
	}
	return jobID, true
}
