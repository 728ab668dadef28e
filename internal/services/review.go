package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

type ReviewItem struct {
	AnswerID int64
	Key      hkey.Key
	Label    string
	Value    string
}

type ReviewSection struct {
	Key      hkey.Key
	Title    string
	Instance int
	Items    []ReviewItem
}

type Review struct {
	RespondentID string
	Finalized    bool
	Sections     []ReviewSection
}

// Review groups the respondent's answerable rows by visible section
// instance, in survey order.
func (s *SurveyService) Review(ctx context.Context, respondentID string) (*Review, error) {
	r, err := s.respondent(ctx, s.store, respondentID)
	if err != nil {
		return nil, err
	}
	snap, err := s.defs.Snapshot(ctx, r.SurveyID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListAnswers(ctx, respondentID, AnswerQuery{Prefix: hkey.Key{Survey: r.SurveyID}.SurveyPrefix()})
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	byKey := make(map[hkey.Key]*models.Answer, len(rows))
	for _, a := range rows {
		byKey[a.Key] = a
	}

	out := &Review{RespondentID: respondentID, Finalized: r.Finalized()}
	for _, p := range s.engine.pages(snap, rows, byKey) {
		sec := ReviewSection{Key: p, Instance: p.SectionInstance}
		if t, ok := byKey[p.SectionTitle()]; ok && t.DisplayText != "" {
			sec.Title = t.DisplayText
		} else if def := snap.Section(models.Locator{Step: p.Step, Section: p.Section}); def != nil {
			sec.Title = def.Title
		}
		if rel := snap.Governing(models.Locator{Step: p.Step, Section: p.Section}); rel != nil && rel.Action == models.ActionRepeat {
			sec.Title = fmt.Sprintf("%s %d", sec.Title, p.SectionInstance)
		}
		prefix := p.SectionInstancePrefix()
		for _, a := range rows {
			if a.QuestionID == 0 || !hkey.Match(prefix, a.Key.String()) {
				continue
			}
			q, _, ok := snap.Question(a.QuestionID)
			if !ok || !q.Type.Answerable() {
				continue
			}
			sec.Items = append(sec.Items, ReviewItem{AnswerID: a.ID, Key: a.Key, Label: reviewLabel(q, a), Value: reviewValue(q, a.TextValue)})
		}
		if len(sec.Items) > 0 {
			out.Sections = append(out.Sections, sec)
		}
	}
	return out, nil
}

func reviewLabel(q *models.Question, a *models.Answer) string {
	if q.ShortLabel != "" {
		return q.ShortLabel
	}
	return a.DisplayText
}

// reviewValue substitutes option text for coded values where the question
// defines a matching option.
func reviewValue(q *models.Question, v *string) string {
	if v == nil {
		return ""
	}
	switch q.Type {
	case models.QuestionSelect:
		if t, ok := q.OptionText(*v); ok {
			return t
		}
	case models.QuestionMultiSelect:
		codes := splitCodes(*v)
		for i, c := range codes {
			if t, ok := q.OptionText(c); ok {
				codes[i] = t
			}
		}
		return strings.Join(codes, ", ")
	}
	return *v
}
