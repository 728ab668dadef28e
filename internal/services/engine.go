package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

// RegrowPolicy decides what a soft-deleted row looks like when a cascade
// brings its slot back.
type RegrowPolicy int

const (
	// RegrowRestore undeletes the row with its prior value.
	RegrowRestore RegrowPolicy = iota
	// RegrowFresh undeletes the row with its value and saved time cleared.
	RegrowFresh
)

func (p RegrowPolicy) String() string {
	if p == RegrowFresh {
		return "fresh"
	}
	return "restore"
}

// ParseRegrowPolicy decodes "restore" or "fresh".
func ParseRegrowPolicy(s string) (RegrowPolicy, error) {
	switch s {
	case "", "restore":
		return RegrowRestore, nil
	case "fresh":
		return RegrowFresh, nil
	}
	return RegrowRestore, fmt.Errorf("unknown regrow policy %q", s)
}

// Engine materializes, navigates and cascades a respondent's answer tree.
// It holds no per-respondent state; every call works from the store and the
// definition snapshot it is given.
type Engine struct {
	policy RegrowPolicy
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(policy RegrowPolicy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{policy: policy, logger: logger, now: time.Now}
}

func (e *Engine) Policy() RegrowPolicy { return e.policy }

// Page is one section instance of a respondent's survey.
type Page struct {
	Key          hkey.Key
	StepTitle    string
	SectionTitle string
	Answers      []*models.Answer
	Previous     *hkey.Key
	Next         *hkey.Key
	Index        int
	Total        int
}

// Init materializes the answer tree when absent and navigates to key.
func (e *Engine) Init(ctx context.Context, store AnswerStore, snap *Snapshot, respondentID string, key hkey.Key) (*Page, error) {
	if _, err := e.Materialize(ctx, store, snap, respondentID); err != nil {
		return nil, err
	}
	return e.Navigate(ctx, store, snap, respondentID, key)
}

// Materialize writes instance 1 of every static slot when the respondent has
// no rows yet. Slots governed by a relationship, and everything nested in
// them, are left to cascades. It reports how many rows were written.
func (e *Engine) Materialize(ctx context.Context, store AnswerStore, snap *Snapshot, respondentID string) (int, error) {
	n, err := store.CountAnswers(ctx, respondentID)
	if err != nil {
		return 0, fmt.Errorf("count answers: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	sid := snap.SurveyID()
	var rows []*models.Answer
	for _, st := range snap.Survey.Steps {
		sl := models.Locator{Step: st.Number}
		if snap.governedWithin(models.Locator{}, sl) {
			continue
		}
		rows = append(rows, e.stepRows(snap, respondentID, hkey.Key{Survey: sid, Step: st.Number, StepInstance: 1}, models.Locator{})...)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := store.InsertAnswers(ctx, rows); err != nil {
		return 0, fmt.Errorf("materialize answers: %w", err)
	}
	e.logger.Debug("answer tree materialized", "respondent_id", respondentID, "survey_id", sid, "rows", len(rows))
	return len(rows), nil
}

// stepRows lists the title row of step instance at plus the base rows of
// every section not governed inside scope.
func (e *Engine) stepRows(snap *Snapshot, respondentID string, at hkey.Key, scope models.Locator) []*models.Answer {
	st := snap.Step(at.Step)
	rows := []*models.Answer{newRow(respondentID, at, 0, st.Title)}
	for _, sec := range st.Sections {
		cl := models.Locator{Step: st.Number, Section: sec.Number}
		if snap.governedWithin(scope, cl) {
			continue
		}
		sk := at
		sk.Section = sec.Number
		rows = append(rows, newRow(respondentID, sk, 0, sec.Title))
		sk.SectionInstance = 1
		rows = append(rows, e.sectionRows(snap, respondentID, sk, scope)...)
	}
	return rows
}

// sectionRows lists the question rows of section instance at, skipping
// questions governed inside scope.
func (e *Engine) sectionRows(snap *Snapshot, respondentID string, at hkey.Key, scope models.Locator) []*models.Answer {
	sec := snap.Section(models.Locator{Step: at.Step, Section: at.Section})
	var rows []*models.Answer
	for _, q := range sec.Questions {
		ql := models.Locator{Step: at.Step, Section: at.Section, Question: q.Number}
		if snap.governedWithin(scope, ql) {
			continue
		}
		qk := at
		qk.Question = q.Number
		qk.QuestionInstance = 1
		rows = append(rows, newRow(respondentID, qk, q.ID, q.Text))
	}
	return rows
}

func newRow(respondentID string, key hkey.Key, questionID int64, text string) *models.Answer {
	return &models.Answer{RespondentID: respondentID, SurveyID: key.Survey, Key: key, QuestionID: questionID, DisplayText: text}
}

// Navigate resolves key to a page. The zero key is the first page; a key
// with no section is the first page of its step instance; anything else is
// the section instance it falls in.
func (e *Engine) Navigate(ctx context.Context, store AnswerStore, snap *Snapshot, respondentID string, key hkey.Key) (*Page, error) {
	sid := snap.SurveyID()
	if !key.IsZero() && key.Survey != sid {
		return nil, NewNotFoundError(fmt.Sprintf("key %s is not in survey %d", key, sid))
	}
	rows, err := store.ListAnswers(ctx, respondentID, AnswerQuery{Prefix: hkey.Key{Survey: sid}.SurveyPrefix()})
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	byKey := make(map[hkey.Key]*models.Answer, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r
	}
	pages := e.pages(snap, rows, byKey)
	if len(pages) == 0 {
		return nil, NewNotFoundError("no pages to show")
	}

	idx := -1
	switch {
	case key.IsZero():
		idx = 0
	case key.Section == 0:
		for i, p := range pages {
			if p.Step == key.Step && p.StepInstance == key.StepInstance {
				idx = i
				break
			}
		}
	default:
		want := key.Page()
		for i, p := range pages {
			if p == want {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil, NewNotFoundError(fmt.Sprintf("no page at %s", key))
	}

	cur := pages[idx]
	page := &Page{Key: cur, Index: idx, Total: len(pages)}
	if t, ok := byKey[cur.StepTitle()]; ok {
		page.StepTitle = t.DisplayText
	} else if st := snap.Step(cur.Step); st != nil {
		page.StepTitle = st.Title
	}
	if t, ok := byKey[cur.SectionTitle()]; ok {
		page.SectionTitle = t.DisplayText
	} else if sec := snap.Section(models.Locator{Step: cur.Step, Section: cur.Section}); sec != nil {
		page.SectionTitle = sec.Title
	}
	prefix := cur.SectionInstancePrefix()
	for _, r := range rows {
		if r.QuestionID != 0 && hkey.Match(prefix, r.Key.String()) {
			page.Answers = append(page.Answers, r)
		}
	}
	if idx > 0 {
		prev := pages[idx-1]
		page.Previous = &prev
	}
	if idx < len(pages)-1 {
		next := pages[idx+1]
		page.Next = &next
	}
	return page, nil
}

// pages lists the visible section instances in survey order.
func (e *Engine) pages(snap *Snapshot, rows []*models.Answer, byKey map[hkey.Key]*models.Answer) []hkey.Key {
	seen := map[hkey.Key]bool{}
	var out []hkey.Key
	for _, r := range rows {
		if r.QuestionID == 0 || r.Deleted {
			continue
		}
		p := r.Key.Page()
		if seen[p] {
			continue
		}
		seen[p] = true
		if snap.Step(p.Step) == nil || snap.Section(models.Locator{Step: p.Step, Section: p.Section}) == nil {
			continue
		}
		if !e.visible(snap, p, byKey) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return snap.pageLess(out[i], out[j]) })
	return out
}

// visible checks the relationships governing p's step and section.
func (e *Engine) visible(snap *Snapshot, p hkey.Key, byKey map[hkey.Key]*models.Answer) bool {
	scopes := []struct {
		loc  models.Locator
		inst int
	}{
		{models.Locator{Step: p.Step}, p.StepInstance},
		{models.Locator{Step: p.Step, Section: p.Section}, p.SectionInstance},
	}
	for _, sc := range scopes {
		rel := snap.Governing(sc.loc)
		if rel == nil {
			continue
		}
		up := byKey[upstreamKey(snap.SurveyID(), rel, p)]
		if sc.inst > RequiredInstances(rel, up) {
			return false
		}
	}
	return true
}
