package services

import (
	"context"
	"fmt"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

// Publish stores a checked survey structure and drops its cached snapshot.
// Rows already materialized for respondents are left as they are.
func (s *SurveyService) Publish(ctx context.Context, sv *models.Survey) error {
	if sv == nil || sv.ID <= 0 {
		return NewInvalidError("survey id required")
	}
	if err := s.retry.Do(ctx, "save_survey", func() error { return s.store.SaveSurvey(ctx, sv) }); err != nil {
		return fmt.Errorf("save survey %d: %w", sv.ID, err)
	}
	s.defs.Invalidate(sv.ID)
	s.logger.Info("survey published", "survey_id", sv.ID, "steps", len(sv.Steps), "relationships", len(sv.Relationships))
	return nil
}

// ExportCSV renders the respondent's live answers as a long-format CSV.
func (s *SurveyService) ExportCSV(ctx context.Context, respondentID string) ([]byte, error) {
	r, err := s.respondent(ctx, s.store, respondentID)
	if err != nil {
		return nil, err
	}
	snap, err := s.defs.Snapshot(ctx, r.SurveyID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.ListAnswers(ctx, respondentID, AnswerQuery{Prefix: hkey.Key{Survey: r.SurveyID}.SurveyPrefix()})
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	return ExportAnswersCSV(reportRows(snap, answers))
}

// ActionResults lists the recorded post-survey action outcomes.
func (s *SurveyService) ActionResults(ctx context.Context, respondentID string) ([]*models.ActionResult, error) {
	if _, err := s.respondent(ctx, s.store, respondentID); err != nil {
		return nil, err
	}
	return s.store.ListActionResults(ctx, respondentID)
}

// Purge hard-deletes the respondent's soft-deleted rows outside of finalize.
func (s *SurveyService) Purge(ctx context.Context, respondentID string) (int64, error) {
	if _, err := s.respondent(ctx, s.store, respondentID); err != nil {
		return 0, err
	}
	var n int64
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		n, err = s.engine.RemoveDeleted(ctx, tx, respondentID)
		return err
	})
	return n, err
}
