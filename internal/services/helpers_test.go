package services_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/memstore"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
	"github.com/soaringjerry/surveyengine/internal/surveydef"
)

const repeatDoc = `
id: 3
name: repeat
steps:
  - number: 1
    title: Only
    sections:
      - number: 1
        title: Main
        questions:
          - {id: 1, number: 1, type: integer, text: "How many?"}
          - {id: 2, number: 2, type: text, text: Name}
relationships:
  - {id: 1, upstream: {step: 1, section: 1, question: 1}, downstream: {step: 1, section: 1, question: 2}, action: repeat, operator: count}
`

// garageDoc repeats a whole step, with a gate and a question repeat nested
// inside each step instance.
const garageDoc = `
id: 5
name: garage
steps:
  - number: 1
    title: Garage
    sections:
      - number: 1
        title: Count
        questions:
          - {id: 1, number: 1, type: integer, text: Cars}
  - number: 2
    title: Car
    sections:
      - number: 1
        title: Vehicle
        questions:
          - {id: 2, number: 1, type: text, text: Make}
          - id: 3
            number: 2
            type: select
            text: Electric
            options:
              - {code: "Y", text: "Yes"}
              - {code: "N", text: "No"}
          - {id: 5, number: 3, type: integer, text: Drivers}
          - {id: 6, number: 4, type: text, text: Driver}
      - number: 2
        title: Charging
        questions:
          - {id: 4, number: 1, type: text, text: Charger}
relationships:
  - {id: 1, upstream: {step: 1, section: 1, question: 1}, downstream: {step: 2}, action: repeat, operator: count}
  - {id: 2, upstream: {step: 2, section: 1, question: 2}, downstream: {step: 2, section: 2}, action: show, operator: equals, operand: "Y"}
  - {id: 3, upstream: {step: 2, section: 1, question: 3}, downstream: {step: 2, section: 1, question: 4}, action: repeat, operator: count}
`

func garageSurvey(t *testing.T) *models.Survey {
	t.Helper()
	sv, err := surveydef.Decode(strings.NewReader(garageDoc))
	require.NoError(t, err)
	return sv
}

func repeatSurvey(t *testing.T) *models.Survey {
	t.Helper()
	sv, err := surveydef.Decode(strings.NewReader(repeatDoc))
	require.NoError(t, err)
	return sv
}

func householdSurvey(t *testing.T) *models.Survey {
	t.Helper()
	sv, err := surveydef.Load("../surveydef/testdata/household.yaml")
	require.NoError(t, err)
	return sv
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	mem    *memstore.Store
	store  services.Store
	defs   *services.DefinitionCache
	engine *services.Engine
	svc    *services.SurveyService
}

type fixtureOption func(*services.SurveyOptions)

func newFixture(t *testing.T, sv *models.Survey, policy services.RegrowPolicy, opts ...fixtureOption) *fixture {
	return newFixtureOn(t, memstore.New(), nil, sv, policy, opts...)
}

// newFixtureOn builds the service over wrap(mem) when wrap is set.
func newFixtureOn(t *testing.T, mem *memstore.Store, wrap func(services.Store) services.Store, sv *models.Survey, policy services.RegrowPolicy, opts ...fixtureOption) *fixture {
	t.Helper()
	require.NoError(t, mem.SaveSurvey(context.Background(), sv))
	var store services.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	so := services.SurveyOptions{
		Retry:       services.RetryPolicy{MaxTries: 4, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		NotifyTries: 2,
		Logger:      quietLogger(),
	}
	for _, o := range opts {
		o(&so)
	}
	f := &fixture{mem: mem, store: store, defs: services.NewDefinitionCache(store), engine: services.NewEngine(policy, quietLogger())}
	f.svc = services.NewSurveyService(store, f.defs, f.engine, so)
	return f
}

func (f *fixture) respondent(t *testing.T, id string, surveyID int) string {
	t.Helper()
	require.NoError(t, f.mem.CreateRespondent(context.Background(), &models.Respondent{ID: id, Token: "tok-" + id, SurveyID: surveyID}))
	return id
}

func (f *fixture) start(t *testing.T, rid string) *services.Page {
	t.Helper()
	p, err := f.svc.Start(context.Background(), rid, hkey.Key{})
	require.NoError(t, err)
	return p
}

func (f *fixture) save(t *testing.T, rid string, answerID int64, v string) *services.SaveResult {
	t.Helper()
	res, err := f.svc.SaveAnswer(context.Background(), rid, answerID, &v)
	require.NoError(t, err)
	return res
}

// rowsOf lists the respondent's rows of question qid, deleted ones included.
func (f *fixture) rowsOf(t *testing.T, rid string, qid int64) []*models.Answer {
	t.Helper()
	all, err := f.mem.ListAnswers(context.Background(), rid, services.AnswerQuery{IncludeDeleted: true})
	require.NoError(t, err)
	var out []*models.Answer
	for _, a := range all {
		if a.QuestionID == qid {
			out = append(out, a)
		}
	}
	return out
}

func answerFor(p *services.Page, qid int64, instance int) *models.Answer {
	for _, a := range p.Answers {
		if a.QuestionID == qid && a.Key.QuestionInstance == instance {
			return a
		}
	}
	return nil
}

func instances(p *services.Page, qid int64) []int {
	var out []int
	for _, a := range p.Answers {
		if a.QuestionID == qid {
			out = append(out, a.Key.QuestionInstance)
		}
	}
	return out
}

// pageTitles walks the whole survey from the first page.
func (f *fixture) pageTitles(t *testing.T, rid string) []string {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Navigate(ctx, rid, hkey.Key{})
	require.NoError(t, err)
	var out []string
	for {
		out = append(out, p.SectionTitle)
		if p.Next == nil {
			return out
		}
		p, err = f.svc.Navigate(ctx, rid, *p.Next)
		require.NoError(t, err)
	}
}

// countingStore counts cascade writes.
type countingStore struct {
	services.Store
	mu     *sync.Mutex
	counts map[string]int
}

func newCountingStore(inner services.Store) *countingStore {
	return &countingStore{Store: inner, mu: &sync.Mutex{}, counts: map[string]int{}}
}

func (c *countingStore) inc(op string) {
	c.mu.Lock()
	c.counts[op]++
	c.mu.Unlock()
}

func (c *countingStore) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]int{}
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func (c *countingStore) WithTx(ctx context.Context, fn func(tx services.Store) error) error {
	return c.Store.WithTx(ctx, func(tx services.Store) error {
		return fn(&countingStore{Store: tx, mu: c.mu, counts: c.counts})
	})
}

func (c *countingStore) InsertAnswers(ctx context.Context, a []*models.Answer) error {
	c.inc("insert")
	return c.Store.InsertAnswers(ctx, a)
}

func (c *countingStore) UpdateAnswer(ctx context.Context, a *models.Answer) error {
	c.inc("update")
	return c.Store.UpdateAnswer(ctx, a)
}

func (c *countingStore) SetAnswersDeleted(ctx context.Context, ids []int64, deleted bool) error {
	c.inc("set_deleted")
	return c.Store.SetAnswersDeleted(ctx, ids, deleted)
}

func (c *countingStore) ListAnswers(ctx context.Context, rid string, q services.AnswerQuery) ([]*models.Answer, error) {
	c.inc("list")
	return c.Store.ListAnswers(ctx, rid, q)
}

// faultyStore fails selected operations on demand.
type faultyStore struct {
	services.Store
	failInsert       *bool
	failPurges       *int
	failComplete     *bool
	transientUpdates *int
	transientResults *int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(tx services.Store) error) error {
	return f.Store.WithTx(ctx, func(tx services.Store) error {
		return fn(&faultyStore{Store: tx, failInsert: f.failInsert, failPurges: f.failPurges, failComplete: f.failComplete,
			transientUpdates: f.transientUpdates, transientResults: f.transientResults})
	})
}

func (f *faultyStore) InsertAnswers(ctx context.Context, a []*models.Answer) error {
	if f.failInsert != nil && *f.failInsert {
		return errInjected
	}
	return f.Store.InsertAnswers(ctx, a)
}

func (f *faultyStore) PurgeDeletedAnswers(ctx context.Context, respondentID string) (int64, error) {
	if f.failPurges != nil && *f.failPurges > 0 {
		*f.failPurges--
		return 0, errInjected
	}
	return f.Store.PurgeDeletedAnswers(ctx, respondentID)
}

func (f *faultyStore) UpdateRespondent(ctx context.Context, r *models.Respondent) error {
	if f.failComplete != nil && *f.failComplete && r.CompletedAt != nil {
		return errInjected
	}
	if f.transientUpdates != nil && *f.transientUpdates > 0 {
		*f.transientUpdates--
		return models.ErrTransient
	}
	return f.Store.UpdateRespondent(ctx, r)
}

func (f *faultyStore) SaveActionResult(ctx context.Context, r *models.ActionResult) error {
	if f.transientResults != nil && *f.transientResults > 0 {
		*f.transientResults--
		return models.ErrTransient
	}
	return f.Store.SaveActionResult(ctx, r)
}

type injectedError struct{}

func (injectedError) Error() string { return "injected failure" }

var errInjected = injectedError{}
