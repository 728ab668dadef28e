// Package api exposes the survey operations over JSON HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/middleware"
	"github.com/soaringjerry/surveyengine/internal/services"
	"github.com/soaringjerry/surveyengine/internal/surveydef"
)

const maxBodyBytes = 1 << 20

type Router struct {
	surveys  *services.SurveyService
	tokens   *services.TokenService
	sessions *middleware.Sessions
	limiter  *middleware.RateLimiter
	admin    func(http.Handler) http.Handler
	validate *validator.Validate
	logger   *slog.Logger
}

type Options struct {
	AdminUser         string
	AdminPasswordHash string
	// LoginLimiter throttles POST /api/login; nil disables throttling.
	LoginLimiter *middleware.RateLimiter
	Logger       *slog.Logger
}

func NewRouter(surveys *services.SurveyService, tokens *services.TokenService, sessions *middleware.Sessions, opts Options) *Router {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		surveys:  surveys,
		tokens:   tokens,
		sessions: sessions,
		limiter:  opts.LoginLimiter,
		admin:    middleware.AdminAuth(opts.AdminUser, opts.AdminPasswordHash),
		validate: v,
		logger:   logger,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	login := http.Handler(http.HandlerFunc(rt.handleLogin))
	if rt.limiter != nil {
		login = rt.limiter.Middleware(login)
	}
	mux.Handle("POST /api/login", login)

	mux.Handle("GET /api/survey/page", rt.respondent(rt.handlePage))
	mux.Handle("POST /api/survey/answers", rt.respondent(rt.handleSave))
	mux.Handle("GET /api/survey/review", rt.respondent(rt.handleReview))
	mux.Handle("POST /api/survey/finalize", rt.respondent(rt.handleFinalize))

	mux.Handle("POST /api/admin/tokens", rt.admin(http.HandlerFunc(rt.handleIssue)))
	mux.Handle("PUT /api/admin/surveys", rt.admin(http.HandlerFunc(rt.handlePublish)))
	mux.Handle("GET /api/admin/respondents/{id}/export", rt.admin(http.HandlerFunc(rt.handleExport)))
	mux.Handle("GET /api/admin/respondents/{id}/actions", rt.admin(http.HandlerFunc(rt.handleActions)))
}

type respondentHandler func(w http.ResponseWriter, r *http.Request, respondentID string)

// respondent requires a valid session and passes its respondent on.
func (rt *Router) respondent(h respondentHandler) http.Handler {
	return rt.sessions.WithAuth(middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid, _ := middleware.RespondentIDFromContext(r.Context())
		h(w, r, rid)
	})))
}

// decode reads a JSON body into v and runs its validation tags.
func (rt *Router) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return services.NewInvalidError("malformed request body")
	}
	if err := rt.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return services.NewInvalidError(fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
		return services.NewInvalidError(err.Error())
	}
	return nil
}

// POST /api/login {token}
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := rt.decode(w, r, &req); err != nil {
		writeError(w, rt.logger, err)
		return
	}
	res, err := rt.tokens.Login(r.Context(), req.Token)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Session: res.Session, RespondentID: res.RespondentID, SurveyID: res.SurveyID})
}

// GET /api/survey/page?key=SSSS-...
func (rt *Router) handlePage(w http.ResponseWriter, r *http.Request, rid string) {
	var key hkey.Key
	if raw := strings.TrimSpace(r.URL.Query().Get("key")); raw != "" {
		k, err := hkey.Parse(raw)
		if err != nil {
			writeError(w, rt.logger, err)
			return
		}
		key = k
	}
	p, err := rt.surveys.Start(r.Context(), rid, key)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(p))
}

// POST /api/survey/answers {answer_id, value}
func (rt *Router) handleSave(w http.ResponseWriter, r *http.Request, rid string) {
	var req saveRequest
	if err := rt.decode(w, r, &req); err != nil {
		writeError(w, rt.logger, err)
		return
	}
	res, err := rt.surveys.SaveAnswer(r.Context(), rid, req.AnswerID, req.Value)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{
		Changed: res.Changed,
		Created: res.Cascade.Created + res.Cascade.Restored,
		Deleted: res.Cascade.Deleted,
		Page:    toPageDTO(res.Page),
	})
}

// GET /api/survey/review
func (rt *Router) handleReview(w http.ResponseWriter, r *http.Request, rid string) {
	rev, err := rt.surveys.Review(r.Context(), rid)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewDTO(rev))
}

// POST /api/survey/finalize
func (rt *Router) handleFinalize(w http.ResponseWriter, r *http.Request, rid string) {
	res, err := rt.surveys.Finalize(r.Context(), rid)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeDTO{
		RespondentID: res.RespondentID,
		FinalizedAt:  res.FinalizedAt,
		Resumed:      res.Resumed,
		Purged:       res.Purged,
		HandoffError: res.HandoffError,
		Actions:      toActionResultDTOs(res.Actions),
	})
}

// POST /api/admin/tokens {survey_id, count}
func (rt *Router) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := rt.decode(w, r, &req); err != nil {
		writeError(w, rt.logger, err)
		return
	}
	rs, err := rt.tokens.Issue(r.Context(), req.SurveyID, req.Count)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	out := make([]tokenDTO, 0, len(rs))
	for _, resp := range rs {
		out = append(out, tokenDTO{RespondentID: resp.ID, Token: resp.Token})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"survey_id": req.SurveyID, "tokens": out})
}

// PUT /api/admin/surveys with a YAML definition body
func (rt *Router) handlePublish(w http.ResponseWriter, r *http.Request) {
	sv, err := surveydef.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, rt.logger, services.NewInvalidError(err.Error()))
		return
	}
	if err := rt.surveys.Publish(r.Context(), sv); err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"survey_id": sv.ID, "name": sv.Name})
}

// GET /api/admin/respondents/{id}/export
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := rt.surveys.ExportCSV(r.Context(), id)
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "respondent-"+id+".csv"))
	_, _ = w.Write(b)
}

// GET /api/admin/respondents/{id}/actions
func (rt *Router) handleActions(w http.ResponseWriter, r *http.Request) {
	rs, err := rt.surveys.ActionResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, rt.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": toActionResultDTOs(rs)})
}
