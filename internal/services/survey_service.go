package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

// SurveyService sequences the engine operations for one respondent under
// their transaction boundaries.
type SurveyService struct {
	store       Store
	defs        *DefinitionCache
	engine      *Engine
	notifier    Notifier
	reports     ReportSink
	retry       RetryPolicy
	notifyTries uint
	logger      *slog.Logger
	now         func() time.Time
}

type SurveyOptions struct {
	Notifier Notifier
	Reports  ReportSink
	Retry    RetryPolicy
	// NotifyTries bounds attempts per post-survey action.
	NotifyTries uint
	Logger      *slog.Logger
}

func NewSurveyService(store Store, defs *DefinitionCache, engine *Engine, opts SurveyOptions) *SurveyService {
	s := &SurveyService{
		store:       store,
		defs:        defs,
		engine:      engine,
		notifier:    opts.Notifier,
		reports:     opts.Reports,
		retry:       opts.Retry,
		notifyTries: opts.NotifyTries,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.reports == nil {
		s.reports = NopReportSink{}
	}
	if s.retry.MaxTries == 0 {
		s.retry = DefaultRetryPolicy()
	}
	if s.notifyTries == 0 {
		s.notifyTries = 3
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.retry.Logger == nil {
		s.retry.Logger = s.logger
	}
	return s
}

func (s *SurveyService) respondent(ctx context.Context, store RespondentStore, id string) (*models.Respondent, error) {
	r, err := store.GetRespondent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load respondent: %w", err)
	}
	if r == nil {
		return nil, NewNotFoundError("respondent not found")
	}
	return r, nil
}

// Start activates the respondent, materializes their answer tree and
// navigates to key in one transaction.
func (s *SurveyService) Start(ctx context.Context, respondentID string, key hkey.Key) (*Page, error) {
	r, err := s.respondent(ctx, s.store, respondentID)
	if err != nil {
		return nil, err
	}
	if r.Finalized() {
		return nil, NewForbiddenError("survey already finalized")
	}
	snap, err := s.defs.Snapshot(ctx, r.SurveyID)
	if err != nil {
		return nil, err
	}
	var page *Page
	err = s.store.WithTx(ctx, func(tx Store) error {
		if !r.Active {
			r.Active = true
			if err := tx.UpdateRespondent(ctx, r); err != nil {
				return fmt.Errorf("activate respondent: %w", err)
			}
		}
		p, err := s.engine.Init(ctx, tx, snap, respondentID, key)
		page = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Navigate returns the page at key without touching the answer tree.
func (s *SurveyService) Navigate(ctx context.Context, respondentID string, key hkey.Key) (*Page, error) {
	r, err := s.respondent(ctx, s.store, respondentID)
	if err != nil {
		return nil, err
	}
	snap, err := s.defs.Snapshot(ctx, r.SurveyID)
	if err != nil {
		return nil, err
	}
	return s.engine.Navigate(ctx, s.store, snap, respondentID, key)
}

// SaveResult is the outcome of SaveAnswer.
type SaveResult struct {
	Page    *Page
	Changed bool
	Cascade CascadeStats
}

// SaveAnswer stores value on the respondent's answer row and runs the
// downstream cascade. An unchanged value writes nothing. Any failure rolls
// the whole save back.
func (s *SurveyService) SaveAnswer(ctx context.Context, respondentID string, answerID int64, value *string) (_ *SaveResult, err error) {
	ctx, span := startSpan(ctx, "SurveyService.SaveAnswer", respondentID)
	start := time.Now()
	defer func() {
		endSpan(span, err)
		saveDuration.Observe(time.Since(start).Seconds())
	}()

	var res *SaveResult
	err = s.store.WithTx(ctx, func(tx Store) error {
		a, err := tx.GetAnswer(ctx, answerID)
		if err != nil {
			return fmt.Errorf("load answer: %w", err)
		}
		if a == nil || a.Deleted {
			return NewNotFoundError(fmt.Sprintf("answer %d not found", answerID))
		}
		if a.RespondentID != respondentID {
			return NewForbiddenError("answer belongs to another respondent")
		}
		r, err := s.respondent(ctx, tx, respondentID)
		if err != nil {
			return err
		}
		if r.Finalized() {
			return NewForbiddenError("survey already finalized")
		}
		snap, err := s.defs.Snapshot(ctx, a.SurveyID)
		if err != nil {
			return err
		}
		q, _, ok := snap.Question(a.QuestionID)
		if !ok {
			return NewInvalidError(fmt.Sprintf("answer %d has no question", answerID))
		}
		v, err := Coerce(q, value)
		if err != nil {
			return err
		}

		res = &SaveResult{}
		if !sameValue(v, a.TextValue) {
			now := s.now()
			a.TextValue = v
			a.SavedAt = &now
			if err := tx.UpdateAnswer(ctx, a); err != nil {
				return fmt.Errorf("update answer: %w", err)
			}
			del, err := s.engine.DeleteDownstream(ctx, tx, snap, a)
			if err != nil {
				return err
			}
			built, err := s.engine.BuildDownstream(ctx, tx, snap, a)
			if err != nil {
				return err
			}
			res.Changed = true
			res.Cascade = del.add(built)
		}
		res.Page, err = s.engine.Navigate(ctx, tx, snap, respondentID, a.Key)
		return err
	})
	if err != nil {
		saveTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if res.Changed {
		saveTotal.WithLabelValues("changed").Inc()
		recordCascade(res.Cascade)
	} else {
		saveTotal.WithLabelValues("unchanged").Inc()
	}
	return res, nil
}

// FinalizeResult reports what Finalize did. HandoffError is set when the
// report sink failed; the respondent is finalized either way. Resumed is set
// when an earlier, interrupted finalize was continued.
type FinalizeResult struct {
	RespondentID string
	FinalizedAt  time.Time
	Resumed      bool
	Purged       int64
	HandoffError string
	Actions      []*models.ActionResult
}

// Finalize deactivates the respondent, purges soft-deleted rows, hands the
// answer tree to the report sink and fires the post-survey actions.
// Hand-off and notification failures are recorded, not returned.
//
// A finalize that failed after deactivation is resumed from the purge on
// the next call. Actions that already succeeded are not sent again.
func (s *SurveyService) Finalize(ctx context.Context, respondentID string) (_ *FinalizeResult, err error) {
	ctx, span := startSpan(ctx, "SurveyService.Finalize", respondentID)
	defer func() {
		endSpan(span, err)
		result := "ok"
		if err != nil {
			result = "error"
		}
		finalizeTotal.WithLabelValues(result).Inc()
	}()

	r, err := s.respondent(ctx, s.store, respondentID)
	if err != nil {
		return nil, err
	}
	if r.CompletedAt != nil {
		return nil, NewConflictError("survey already finalized")
	}
	snap, err := s.defs.Snapshot(ctx, r.SurveyID)
	if err != nil {
		return nil, err
	}

	res := &FinalizeResult{RespondentID: respondentID, Resumed: r.Finalized()}
	if res.Resumed {
		s.logger.Info("resuming interrupted finalize", "respondent_id", respondentID)
	} else {
		now := s.now()
		r.Active = false
		r.FinalizedAt = &now
		if err := s.retry.Do(ctx, "deactivate", func() error { return s.store.UpdateRespondent(ctx, r) }); err != nil {
			return nil, fmt.Errorf("deactivate respondent: %w", err)
		}
	}
	res.FinalizedAt = *r.FinalizedAt

	err = s.store.WithTx(ctx, func(tx Store) error {
		n, err := s.engine.RemoveDeleted(ctx, tx, respondentID)
		res.Purged = n
		return err
	})
	if err != nil {
		return nil, err
	}

	answers, err := s.store.ListAnswers(ctx, respondentID, AnswerQuery{Prefix: hkey.Key{Survey: r.SurveyID}.SurveyPrefix()})
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	if err := s.reports.Handoff(ctx, r, reportRows(snap, answers)); err != nil {
		res.HandoffError = err.Error()
		s.logger.Warn("report hand-off failed", "respondent_id", respondentID, "err", err)
	}

	if s.notifier != nil {
		delivered, err := s.deliveredActions(ctx, respondentID, res.Resumed)
		if err != nil {
			return nil, err
		}
		for _, action := range snap.Actions() {
			if prev, ok := delivered[action.ID]; ok {
				res.Actions = append(res.Actions, prev)
				continue
			}
			res.Actions = append(res.Actions, s.runAction(ctx, action, respondentID))
		}
	}

	completed := s.now()
	r.CompletedAt = &completed
	if err := s.retry.Do(ctx, "complete", func() error { return s.store.UpdateRespondent(ctx, r) }); err != nil {
		return nil, fmt.Errorf("mark finalize complete: %w", err)
	}
	s.logger.Info("respondent finalized", "respondent_id", respondentID, "purged", res.Purged, "actions", len(res.Actions), "resumed", res.Resumed)
	return res, nil
}

// deliveredActions returns the actions an interrupted finalize already
// delivered, keyed by action id.
func (s *SurveyService) deliveredActions(ctx context.Context, respondentID string, resumed bool) (map[int64]*models.ActionResult, error) {
	out := map[int64]*models.ActionResult{}
	if !resumed {
		return out, nil
	}
	prev, err := s.store.ListActionResults(ctx, respondentID)
	if err != nil {
		return nil, fmt.Errorf("list action results: %w", err)
	}
	for _, ar := range prev {
		if ar.Status == models.ActionSucceeded {
			out[ar.ActionID] = ar
		}
	}
	return out, nil
}

// runAction delivers one post-survey action and records each state it
// passes through. It never fails.
func (s *SurveyService) runAction(ctx context.Context, action *models.PostSurveyAction, respondentID string) *models.ActionResult {
	ar := &models.ActionResult{RespondentID: respondentID, ActionID: action.ID, Status: models.ActionPending}
	s.saveActionResult(ctx, ar)

	attempts, err := deliver(ctx, s.notifier, action, respondentID, s.notifyTries, func(err error) {
		ar.Status = models.ActionResending
		ar.Message = err.Error()
		ar.Attempts++
		s.saveActionResult(ctx, ar)
	})
	ar.Attempts = attempts
	if err != nil {
		ar.Status = models.ActionFailed
		ar.Message = err.Error()
		s.logger.Warn("post-survey action failed", "respondent_id", respondentID, "action", action.Name, "attempts", attempts, "err", err)
	} else {
		ar.Status = models.ActionSucceeded
		ar.Message = ""
	}
	s.saveActionResult(ctx, ar)
	notifyTotal.WithLabelValues(string(ar.Status)).Inc()
	return ar
}

func (s *SurveyService) saveActionResult(ctx context.Context, ar *models.ActionResult) {
	ar.UpdatedAt = s.now()
	snapshot := *ar
	if err := s.retry.Do(ctx, "save_action_result", func() error { return s.store.SaveActionResult(ctx, &snapshot) }); err != nil {
		s.logger.Warn("could not record action result", "respondent_id", ar.RespondentID, "action_id", ar.ActionID, "status", ar.Status, "err", err)
	}
}
