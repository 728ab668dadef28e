package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

// Snapshot is an immutable, indexed view of one survey's static structure.
// The engine reads all structure through a snapshot so a cascade never goes
// back to storage for definitions.
type Snapshot struct {
	Survey *models.Survey

	stepOrder    map[int]int
	sectionOrder map[models.Locator]int
	steps        map[int]*models.Step
	sections     map[models.Locator]*models.Section
	questions    map[models.Locator]*models.Question
	questionLoc  map[int64]models.Locator
	byUpstream   map[models.Locator][]*models.Relationship
	byDownstream map[models.Locator]*models.Relationship
	actions      []*models.PostSurveyAction
}

// NewSnapshot indexes sv. The survey must not be mutated afterwards.
func NewSnapshot(sv *models.Survey) *Snapshot {
	s := &Snapshot{
		Survey:       sv,
		stepOrder:    map[int]int{},
		sectionOrder: map[models.Locator]int{},
		steps:        map[int]*models.Step{},
		sections:     map[models.Locator]*models.Section{},
		questions:    map[models.Locator]*models.Question{},
		questionLoc:  map[int64]models.Locator{},
		byUpstream:   map[models.Locator][]*models.Relationship{},
		byDownstream: map[models.Locator]*models.Relationship{},
		actions:      sv.Actions,
	}
	for i, st := range sv.Steps {
		s.stepOrder[st.Number] = i
		s.steps[st.Number] = st
		for j, sec := range st.Sections {
			sl := models.Locator{Step: st.Number, Section: sec.Number}
			s.sectionOrder[sl] = j
			s.sections[sl] = sec
			for _, q := range sec.Questions {
				ql := models.Locator{Step: st.Number, Section: sec.Number, Question: q.Number}
				s.questions[ql] = q
				s.questionLoc[q.ID] = ql
			}
		}
	}
	for _, rel := range sv.Relationships {
		s.byUpstream[rel.Upstream] = append(s.byUpstream[rel.Upstream], rel)
		s.byDownstream[rel.Downstream] = rel
	}
	return s
}

// SurveyID returns the key survey component.
func (s *Snapshot) SurveyID() int { return s.Survey.ID }

// Step returns the step with the given number.
func (s *Snapshot) Step(number int) *models.Step { return s.steps[number] }

// Section returns the section at loc.
func (s *Snapshot) Section(loc models.Locator) *models.Section {
	return s.sections[models.Locator{Step: loc.Step, Section: loc.Section}]
}

// Question resolves a question id to its definition and locator.
func (s *Snapshot) Question(id int64) (*models.Question, models.Locator, bool) {
	loc, ok := s.questionLoc[id]
	if !ok {
		return nil, models.Locator{}, false
	}
	return s.questions[loc], loc, true
}

// Downstream lists the relationships driven by the question at loc.
func (s *Snapshot) Downstream(loc models.Locator) []*models.Relationship {
	return s.byUpstream[loc]
}

// Governing returns the relationship whose downstream scope is exactly loc.
func (s *Snapshot) Governing(loc models.Locator) *models.Relationship {
	return s.byDownstream[loc]
}

// Actions lists the post-survey actions of the survey.
func (s *Snapshot) Actions() []*models.PostSurveyAction { return s.actions }

// pageLess orders page keys by static step/section order, then instance.
func (s *Snapshot) pageLess(a, b hkey.Key) bool {
	if sa, sb := s.stepOrder[a.Step], s.stepOrder[b.Step]; sa != sb {
		return sa < sb
	}
	if a.StepInstance != b.StepInstance {
		return a.StepInstance < b.StepInstance
	}
	ca := s.sectionOrder[models.Locator{Step: a.Step, Section: a.Section}]
	cb := s.sectionOrder[models.Locator{Step: b.Step, Section: b.Section}]
	if ca != cb {
		return ca < cb
	}
	return a.SectionInstance < b.SectionInstance
}

// DefinitionCache hands out snapshots, loading each survey at most once until
// it is invalidated.
type DefinitionCache struct {
	store DefinitionStore
	mu    sync.RWMutex
	byID  map[int]*Snapshot
}

func NewDefinitionCache(store DefinitionStore) *DefinitionCache {
	return &DefinitionCache{store: store, byID: map[int]*Snapshot{}}
}

// Snapshot returns the cached snapshot of surveyID.
func (c *DefinitionCache) Snapshot(ctx context.Context, surveyID int) (*Snapshot, error) {
	c.mu.RLock()
	snap, ok := c.byID[surveyID]
	c.mu.RUnlock()
	if ok {
		return snap, nil
	}
	sv, err := c.store.GetSurvey(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("load survey %d: %w", surveyID, err)
	}
	if sv == nil {
		return nil, NewNotFoundError(fmt.Sprintf("survey %d not found", surveyID))
	}
	snap = NewSnapshot(sv)
	c.mu.Lock()
	c.byID[surveyID] = snap
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot of surveyID.
func (c *DefinitionCache) Invalidate(surveyID int) {
	c.mu.Lock()
	delete(c.byID, surveyID)
	c.mu.Unlock()
}

// governedWithin reports whether loc is, or lies inside, the downstream of a
// relationship nested strictly inside scope. The zero scope is the whole
// survey.
func (s *Snapshot) governedWithin(scope, loc models.Locator) bool {
	for _, rel := range s.Survey.Relationships {
		d := rel.Downstream
		if scope.Level() != models.LevelNone && (d == scope || !scope.Contains(d)) {
			continue
		}
		if d.Contains(loc) {
			return true
		}
	}
	return false
}

// nestedIn lists the relationships whose downstream lies strictly inside scope.
func (s *Snapshot) nestedIn(scope models.Locator) []*models.Relationship {
	var out []*models.Relationship
	for _, rel := range s.Survey.Relationships {
		if rel.Downstream != scope && scope.Contains(rel.Downstream) {
			out = append(out, rel)
		}
	}
	return out
}
