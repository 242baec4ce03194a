package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/cron"
	"github.com/AzizBrinis/invoice-app-sub004/internal/docmail"
	"github.com/AzizBrinis/invoice-app-sub004/internal/models"
	"github.com/AzizBrinis/invoice-app-sub004/internal/ratelimit"
	"github.com/AzizBrinis/invoice-app-sub004/internal/scheduled"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
	"github.com/AzizBrinis/invoice-app-sub004/internal/telemetry"
)

// JobReader exposes job inspection.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobEvents(ctx context.Context, id string) ([]models.JobEvent, error)
}

// EmailLogReader exposes document email logs.
type EmailLogReader interface {
	GetEmailLog(ctx context.Context, id string) (models.EmailLog, error)
}

// ScheduledEmails is the scheduled-send service.
type ScheduledEmails interface {
	Schedule(ctx context.Context, userID string, draft scheduled.Draft) (models.ScheduledEmail, error)
	List(ctx context.Context, userID string, statuses ...models.ScheduledEmailStatus) ([]models.ScheduledEmail, error)
	Reschedule(ctx context.Context, userID, id string, sendAt time.Time) (models.ScheduledEmail, error)
	Cancel(ctx context.Context, userID, id string) (models.ScheduledEmail, error)
}

// DocumentProducer queues invoice and quote emails.
type DocumentProducer interface {
	QueueInvoiceEmailJob(ctx context.Context, userID, invoiceID, to, subject string) (docmail.QueueResult, error)
	QueueQuoteEmailJob(ctx context.Context, userID, quoteID, to, subject string) (docmail.QueueResult, error)
}

// Ticker runs one cron tick.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (cron.TickResult, error)
}

// Limiter consumes a rate-limit token for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Deps are the services the HTTP layer calls. Limiter may be nil.
type Deps struct {
	Jobs       JobReader
	EmailLogs  EmailLogReader
	Scheduled  ScheduledEmails
	Producer   DocumentProducer
	Cron       Ticker
	Limiter    Limiter
	CronSecret string
	Logger     *zap.Logger
}

// Server wires HTTP handlers for the messaging API.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// New constructs the API server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireCronSecret)
		r.Get("/cron/messaging", s.handleCron)
		r.Post("/cron/messaging", s.handleCron)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/invoices/{id}/email", s.handleDocumentEmail(models.DocumentInvoice))
		r.Post("/quotes/{id}/email", s.handleDocumentEmail(models.DocumentQuote))
		r.Get("/email-logs/{id}", s.handleGetEmailLog)

		r.Route("/scheduled-emails", func(r chi.Router) {
			r.Post("/", s.handleSchedule)
			r.Get("/", s.handleListScheduled)
			r.Post("/{id}/reschedule", s.handleReschedule)
			r.Post("/{id}/cancel", s.handleCancel)
		})

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
	})
	return r
}

func (s *Server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.deps.CronSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.CronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFromRequest(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Cron.Tick(r.Context(), time.Now())
	if err != nil {
		s.logger.Error("cron tick failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

type documentEmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type documentEmailResponse struct {
	Status     string `json:"status"`
	JobID      string `json:"jobId"`
	EmailLogID string `json:"emailLogId"`
}

func (s *Server) handleDocumentEmail(docType models.DocumentType) http.HandlerFunc {
	queueFn := s.deps.Producer.QueueInvoiceEmailJob
	action := "invoice-email"
	if docType == models.DocumentQuote {
		queueFn = s.deps.Producer.QueueQuoteEmailJob
		action = "quote-email"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFromRequest(r)
		var req documentEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if !s.allow(w, r, ratelimit.Key(action, user)) {
			return
		}

		res, err := queueFn(r.Context(), user, chi.URLParam(r, "id"), req.To, req.Subject)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		status := "queued"
		if res.Deduped {
			status = "duplicate"
		}
		writeJSON(w, http.StatusAccepted, documentEmailResponse{Status: status, JobID: res.JobID, EmailLogID: res.EmailLogID})
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Error("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var draft scheduled.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	email, err := s.deps.Scheduled.Schedule(r.Context(), userFromRequest(r), draft)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, email)
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	var statuses []models.ScheduledEmailStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, models.ScheduledEmailStatus(strings.ToUpper(part)))
			}
		}
	}
	emails, err := s.deps.Scheduled.List(r.Context(), userFromRequest(r), statuses...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": emails})
}

type rescheduleRequest struct {
	SendAt time.Time `json:"sendAt"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	email, err := s.deps.Scheduled.Reschedule(r.Context(), userFromRequest(r), chi.URLParam(r, "id"), req.SendAt)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	email, err := s.deps.Scheduled.Cancel(r.Context(), userFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (s *Server) handleGetEmailLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.deps.EmailLogs.GetEmailLog(r.Context(), chi.URLParam(r, "id"))
	if err == nil && log.UserID != userFromRequest(r) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// ownedJob loads the job named in the path. Jobs whose payload belongs to another user,
// or to no user at all, read as not found.
func (s *Server) ownedJob(r *http.Request) (models.Job, error) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return models.Job{}, err
	}
	if owner, _ := job.Payload["userId"].(string); owner == "" || owner != userFromRequest(r) {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	events, err := s.deps.Jobs.ListJobEvents(r.Context(), job.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduled.ErrValidation), errors.Is(err, docmail.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduled.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduled.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
