package services

import (
	"context"
	"fmt"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

// CascadeStats counts the rows a cascade touched.
type CascadeStats struct {
	Created  int
	Restored int
	Deleted  int
}

func (s CascadeStats) add(o CascadeStats) CascadeStats {
	return CascadeStats{Created: s.Created + o.Created, Restored: s.Restored + o.Restored, Deleted: s.Deleted + o.Deleted}
}

type cascade struct {
	e            *Engine
	store        AnswerStore
	snap         *Snapshot
	respondentID string
	stats        CascadeStats
}

func (e *Engine) newCascade(store AnswerStore, snap *Snapshot, respondentID string) *cascade {
	return &cascade{e: e, store: store, snap: snap, respondentID: respondentID}
}

// BuildDownstream makes sure every scope driven by answer has the instances
// its value calls for. Missing slots are created and soft-deleted ones are
// brought back according to the engine's regrow policy. Existing instances
// are left untouched.
func (e *Engine) BuildDownstream(ctx context.Context, store AnswerStore, snap *Snapshot, answer *models.Answer) (CascadeStats, error) {
	_, loc, ok := snap.Question(answer.QuestionID)
	if !ok {
		return CascadeStats{}, nil
	}
	c := e.newCascade(store, snap, answer.RespondentID)
	for _, rel := range snap.Downstream(loc) {
		if err := c.build(ctx, rel, answer); err != nil {
			return c.stats, fmt.Errorf("build downstream of relationship %d: %w", rel.ID, err)
		}
	}
	if c.stats != (CascadeStats{}) {
		e.logger.Debug("downstream built", "respondent_id", answer.RespondentID, "key", answer.Key.String(),
			"created", c.stats.Created, "restored", c.stats.Restored)
	}
	return c.stats, nil
}

// DeleteDownstream soft-deletes the instances of every scope driven by answer
// beyond what its value now calls for. A deleted row that drives scopes of
// its own takes those with it.
func (e *Engine) DeleteDownstream(ctx context.Context, store AnswerStore, snap *Snapshot, answer *models.Answer) (CascadeStats, error) {
	_, loc, ok := snap.Question(answer.QuestionID)
	if !ok {
		return CascadeStats{}, nil
	}
	c := e.newCascade(store, snap, answer.RespondentID)
	for _, rel := range snap.Downstream(loc) {
		if err := c.prune(ctx, rel, answer.Key, RequiredInstances(rel, answer)); err != nil {
			return c.stats, fmt.Errorf("delete downstream of relationship %d: %w", rel.ID, err)
		}
	}
	if c.stats.Deleted > 0 {
		e.logger.Debug("downstream deleted", "respondent_id", answer.RespondentID, "key", answer.Key.String(), "deleted", c.stats.Deleted)
	}
	return c.stats, nil
}

// RemoveDeleted hard-deletes the respondent's soft-deleted rows.
func (e *Engine) RemoveDeleted(ctx context.Context, store AnswerStore, respondentID string) (int64, error) {
	n, err := store.PurgeDeletedAnswers(ctx, respondentID)
	if err != nil {
		return 0, fmt.Errorf("purge deleted answers: %w", err)
	}
	return n, nil
}

// scopePrefix selects every row of rel's downstream under anchor, across
// all instances of the target level.
func scopePrefix(d models.Locator, anchor hkey.Key) string {
	switch d.Level() {
	case models.LevelStep:
		return anchor.StepInstancesPrefix()
	case models.LevelSection:
		return anchor.SectionPrefix()
	default:
		return anchor.AnswerPrefix()
	}
}

// instanceOf returns the instance number of k at d's level.
func instanceOf(d models.Locator, k hkey.Key) int {
	switch d.Level() {
	case models.LevelStep:
		return k.StepInstance
	case models.LevelSection:
		return k.SectionInstance
	default:
		return k.QuestionInstance
	}
}

func (c *cascade) build(ctx context.Context, rel *models.Relationship, up *models.Answer) error {
	n := RequiredInstances(rel, up)
	if n == 0 {
		return nil
	}
	sid := c.snap.SurveyID()
	d := rel.Downstream
	anchor := downstreamAnchor(sid, rel, up.Key)

	existing, err := c.store.ListAnswers(ctx, c.respondentID, AnswerQuery{Prefix: scopePrefix(d, anchor), IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("list downstream rows: %w", err)
	}
	have := make(map[hkey.Key]*models.Answer, len(existing))
	for _, r := range existing {
		have[r.Key] = r
	}

	want := c.slots(d, anchor, n)
	var inserts, restored []*models.Answer
	touched := map[int]bool{}
	for _, w := range want {
		ex := have[w.Key]
		switch {
		case ex == nil:
			inserts = append(inserts, w)
		case ex.Deleted:
			ex.Deleted = false
			if c.e.policy == RegrowFresh {
				ex.TextValue = nil
				ex.SavedAt = nil
			}
			if err := c.store.UpdateAnswer(ctx, ex); err != nil {
				return fmt.Errorf("restore %s: %w", ex.Key, err)
			}
			restored = append(restored, ex)
		default:
			continue
		}
		if inst := instanceOf(d, w.Key); inst > 0 {
			touched[inst] = true
		}
	}
	if len(inserts) > 0 {
		if err := c.store.InsertAnswers(ctx, inserts); err != nil {
			return fmt.Errorf("insert downstream rows: %w", err)
		}
	}
	c.stats.Created += len(inserts)
	c.stats.Restored += len(restored)

	// Scopes governed inside the instances just brought into being.
	nested := c.snap.nestedIn(d)
	for inst := 1; inst <= n && len(nested) > 0; inst++ {
		if !touched[inst] {
			continue
		}
		at := anchor
		switch d.Level() {
		case models.LevelStep:
			at.StepInstance = inst
			at.SectionInstance = 1
		case models.LevelSection:
			at.SectionInstance = inst
		}
		for _, rel2 := range nested {
			up2, err := c.rowAt(ctx, upstreamKey(sid, rel2, at))
			if err != nil {
				return err
			}
			if up2 == nil {
				continue
			}
			if err := c.build(ctx, rel2, up2); err != nil {
				return err
			}
		}
	}

	// Restored upstream rows that still carry a value drive scopes outside d.
	for _, r := range restored {
		if r.QuestionID == 0 || r.TextValue == nil {
			continue
		}
		_, loc, ok := c.snap.Question(r.QuestionID)
		if !ok {
			continue
		}
		for _, rel2 := range c.snap.Downstream(loc) {
			if d.Contains(rel2.Downstream) {
				continue
			}
			if err := c.build(ctx, rel2, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// slots lists the rows instances 1..n of d under anchor consist of.
func (c *cascade) slots(d models.Locator, anchor hkey.Key, n int) []*models.Answer {
	var rows []*models.Answer
	switch d.Level() {
	case models.LevelQuestion:
		q := c.snap.questions[d]
		for k := 1; k <= n; k++ {
			key := anchor
			key.QuestionInstance = k
			rows = append(rows, newRow(c.respondentID, key, q.ID, q.Text))
		}
	case models.LevelSection:
		sec := c.snap.Section(d)
		rows = append(rows, newRow(c.respondentID, anchor, 0, sec.Title))
		for k := 1; k <= n; k++ {
			at := anchor
			at.SectionInstance = k
			rows = append(rows, c.e.sectionRows(c.snap, c.respondentID, at, d)...)
		}
	case models.LevelStep:
		for k := 1; k <= n; k++ {
			at := anchor
			at.StepInstance = k
			rows = append(rows, c.e.stepRows(c.snap, c.respondentID, at, d)...)
		}
	}
	return rows
}

// prune soft-deletes instances of rel's downstream above n.
func (c *cascade) prune(ctx context.Context, rel *models.Relationship, upKey hkey.Key, n int) error {
	d := rel.Downstream
	anchor := downstreamAnchor(c.snap.SurveyID(), rel, upKey)
	rows, err := c.store.ListAnswers(ctx, c.respondentID, AnswerQuery{Prefix: scopePrefix(d, anchor)})
	if err != nil {
		return fmt.Errorf("list downstream rows: %w", err)
	}
	var doomed []*models.Answer
	for _, r := range rows {
		inst := instanceOf(d, r.Key)
		// The section title row is shared by all instances; it goes with the last one.
		if inst > n || (inst == 0 && n == 0) {
			doomed = append(doomed, r)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	ids := make([]int64, len(doomed))
	for i, r := range doomed {
		ids[i] = r.ID
		r.Deleted = true
	}
	if err := c.store.SetAnswersDeleted(ctx, ids, true); err != nil {
		return fmt.Errorf("soft-delete downstream rows: %w", err)
	}
	c.stats.Deleted += len(ids)

	for _, r := range doomed {
		if r.QuestionID == 0 {
			continue
		}
		_, loc, ok := c.snap.Question(r.QuestionID)
		if !ok {
			continue
		}
		for _, rel2 := range c.snap.Downstream(loc) {
			if d.Contains(rel2.Downstream) {
				continue
			}
			if err := c.prune(ctx, rel2, r.Key, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// rowAt returns the non-deleted row at key, or nil.
func (c *cascade) rowAt(ctx context.Context, key hkey.Key) (*models.Answer, error) {
	rows, err := c.store.ListAnswers(ctx, c.respondentID, AnswerQuery{Prefix: key.String()})
	if err != nil {
		return nil, fmt.Errorf("load row %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
