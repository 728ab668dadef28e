// Package memstore keeps respondent data in process memory. Transactions
// are serialized and roll back by restoring a snapshot of the whole store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
)

type resultKey struct {
	respondentID string
	actionID     int64
}

type state struct {
	nextID      int64
	answers     map[int64]*models.Answer
	keys        map[string]int64 // respondent|key -> answer id
	respondents map[string]*models.Respondent
	tokens      map[string]string
	surveys     map[int]*models.Survey
	results     map[resultKey]*models.ActionResult
}

func newState() *state {
	return &state{
		answers:     map[int64]*models.Answer{},
		keys:        map[string]int64{},
		respondents: map[string]*models.Respondent{},
		tokens:      map[string]string{},
		surveys:     map[int]*models.Survey{},
		results:     map[resultKey]*models.ActionResult{},
	}
}

func (st *state) clone() *state {
	c := newState()
	c.nextID = st.nextID
	for id, a := range st.answers {
		c.answers[id] = cloneAnswer(a)
	}
	for k, v := range st.keys {
		c.keys[k] = v
	}
	for id, r := range st.respondents {
		c.respondents[id] = cloneRespondent(r)
	}
	for k, v := range st.tokens {
		c.tokens[k] = v
	}
	for id, sv := range st.surveys {
		c.surveys[id] = sv
	}
	for k, v := range st.results {
		cp := *v
		c.results[k] = &cp
	}
	return c
}

// Store is an in-memory services.Store.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

func New() *Store { return &Store{st: newState()} }

var _ services.Store = (*Store)(nil)

func answerKey(respondentID string, k hkey.Key) string { return respondentID + "|" + k.String() }

func cloneAnswer(a *models.Answer) *models.Answer {
	c := *a
	if a.TextValue != nil {
		v := *a.TextValue
		c.TextValue = &v
	}
	if a.SavedAt != nil {
		t := *a.SavedAt
		c.SavedAt = &t
	}
	return &c
}

func cloneRespondent(r *models.Respondent) *models.Respondent {
	c := *r
	if r.FirstAccessAt != nil {
		t := *r.FirstAccessAt
		c.FirstAccessAt = &t
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		c.FinalizedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// WithTx serializes fn against other transactions. An error from fn
// restores the state seen before it ran.
func (s *Store) WithTx(ctx context.Context, fn func(tx services.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.RLock()
	saved := s.st.clone()
	s.mu.RUnlock()
	if err := fn(txView{s}); err != nil {
		s.mu.Lock()
		s.st = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

// txView runs nested WithTx calls inline, inside the enclosing transaction.
type txView struct{ *Store }

func (t txView) WithTx(ctx context.Context, fn func(tx services.Store) error) error { return fn(t) }

func (s *Store) CountAnswers(ctx context.Context, respondentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.st.answers {
		if a.RespondentID == respondentID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListAnswers(ctx context.Context, respondentID string, q services.AnswerQuery) ([]*models.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Answer
	for _, a := range s.st.answers {
		if a.RespondentID != respondentID || (a.Deleted && !q.IncludeDeleted) {
			continue
		}
		if q.Prefix != "" && !hkey.Match(q.Prefix, a.Key.String()) {
			continue
		}
		out = append(out, cloneAnswer(a))
	}
	sort.Slice(out, func(i, j int) bool { return hkey.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

func (s *Store) GetAnswer(ctx context.Context, id int64) (*models.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.st.answers[id]
	if !ok {
		return nil, nil
	}
	return cloneAnswer(a), nil
}

func (s *Store) InsertAnswers(ctx context.Context, answers []*models.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range answers {
		if err := a.Key.Validate(); err != nil {
			return err
		}
		if _, dup := s.st.keys[answerKey(a.RespondentID, a.Key)]; dup {
			return models.ErrDuplicate
		}
	}
	for _, a := range answers {
		s.st.nextID++
		a.ID = s.st.nextID
		s.st.answers[a.ID] = cloneAnswer(a)
		s.st.keys[answerKey(a.RespondentID, a.Key)] = a.ID
	}
	return nil
}

func (s *Store) UpdateAnswer(ctx context.Context, a *models.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.answers[a.ID]
	if !ok {
		return services.NewNotFoundError("answer not found")
	}
	next := cloneAnswer(cur)
	next.TextValue = cloneAnswer(a).TextValue
	next.SavedAt = cloneAnswer(a).SavedAt
	next.Deleted = a.Deleted
	s.st.answers[a.ID] = next
	return nil
}

func (s *Store) SetAnswersDeleted(ctx context.Context, ids []int64, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.st.answers[id]; ok {
			a.Deleted = deleted
		}
	}
	return nil
}

func (s *Store) PurgeDeletedAnswers(ctx context.Context, respondentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.st.answers {
		if a.RespondentID == respondentID && a.Deleted {
			delete(s.st.answers, id)
			delete(s.st.keys, answerKey(a.RespondentID, a.Key))
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateRespondent(ctx context.Context, r *models.Respondent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.respondents[r.ID]; ok {
		return models.ErrDuplicate
	}
	if _, ok := s.st.tokens[r.Token]; ok {
		return models.ErrDuplicate
	}
	s.st.respondents[r.ID] = cloneRespondent(r)
	s.st.tokens[r.Token] = r.ID
	return nil
}

func (s *Store) GetRespondent(ctx context.Context, id string) (*models.Respondent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.respondents[id]
	if !ok {
		return nil, nil
	}
	return cloneRespondent(r), nil
}

func (s *Store) GetRespondentByToken(ctx context.Context, token string) (*models.Respondent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.tokens[token]
	if !ok {
		return nil, nil
	}
	return cloneRespondent(s.st.respondents[id]), nil
}

func (s *Store) UpdateRespondent(ctx context.Context, r *models.Respondent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.respondents[r.ID]; !ok {
		return services.NewNotFoundError("respondent not found")
	}
	s.st.respondents[r.ID] = cloneRespondent(r)
	return nil
}

func (s *Store) GetSurvey(ctx context.Context, id int) (*models.Survey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.surveys[id], nil
}

// SaveSurvey keeps sv by reference; callers must not mutate it afterwards.
func (s *Store) SaveSurvey(ctx context.Context, sv *models.Survey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.surveys[sv.ID] = sv
	return nil
}

func (s *Store) ListSurveyIDs(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.st.surveys))
	for id := range s.st.surveys {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *Store) SaveActionResult(ctx context.Context, r *models.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.st.results[resultKey{r.RespondentID, r.ActionID}] = &cp
	return nil
}

func (s *Store) ListActionResults(ctx context.Context, respondentID string) ([]*models.ActionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ActionResult
	for k, v := range s.st.results {
		if k.respondentID == respondentID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out, nil
}
