package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
)

func TestInitMaterializesStaticSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, householdSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 1)

	p := f.start(t, rid)
	n, err := f.mem.CountAnswers(ctx, rid)
	require.NoError(t, err)
	// 2 step titles, 3 section titles, questions 1, 3, 7, 8, 9.
	assert.Equal(t, 10, n)

	assert.Equal(t, hkey.Key{Survey: 1, Step: 1, StepInstance: 1, Section: 1, SectionInstance: 1}, p.Key)
	assert.Equal(t, "Household", p.StepTitle)
	assert.Equal(t, "Members", p.SectionTitle)
	require.Len(t, p.Answers, 1)
	assert.EqualValues(t, 1, p.Answers[0].QuestionID)
	assert.Nil(t, p.Answers[0].TextValue)
	assert.Nil(t, p.Previous)
	require.NotNil(t, p.Next)
	assert.Equal(t, 2, p.Next.Section)

	// governed slots wait for their cascades
	assert.Empty(t, f.rowsOf(t, rid, 2))
	assert.Empty(t, f.rowsOf(t, rid, 4))
	assert.Empty(t, f.rowsOf(t, rid, 5))

	f.start(t, rid)
	again, _ := f.mem.CountAnswers(ctx, rid)
	assert.Equal(t, n, again)

	r, _ := f.mem.GetRespondent(ctx, rid)
	assert.True(t, r.Active)
	assert.Equal(t, []string{"Members", "Pets", "Agreement"}, f.pageTitles(t, rid))
}

func TestInitRollsBackWhenKeyHasNoPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, householdSurvey(t), services.RegrowFresh)
	assert.Equal(t, services.RegrowFresh, f.engine.Policy())
	rid := f.respondent(t, "r1", 1)

	_, err := f.svc.Start(ctx, rid, hkey.Key{Survey: 1, Step: 9, StepInstance: 1})
	se, ok := services.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, services.ErrorNotFound, se.Code)
	n, _ := f.mem.CountAnswers(ctx, rid)
	assert.Zero(t, n)
	r, _ := f.mem.GetRespondent(ctx, rid)
	assert.False(t, r.Active)

	snap, err := f.defs.Snapshot(ctx, 1)
	require.NoError(t, err)
	p, err := f.engine.Init(ctx, f.mem, snap, rid, hkey.Key{})
	require.NoError(t, err)
	assert.Equal(t, "Members", p.SectionTitle)
	n, _ = f.mem.CountAnswers(ctx, rid)
	assert.Equal(t, 10, n)
}

func TestScenarioRepeatCountThreeThenOne(t *testing.T) {
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 3)

	p := f.start(t, rid)
	require.Len(t, p.Answers, 1)
	count := p.Answers[0]
	assert.Nil(t, count.TextValue)

	res := f.save(t, rid, count.ID, "3")
	assert.True(t, res.Changed)
	assert.Equal(t, 3, res.Cascade.Created)
	p, err := f.svc.Navigate(context.Background(), rid, count.Key)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, instances(p, 2))
	for _, a := range p.Answers {
		if a.QuestionID == 2 {
			assert.Equal(t, hkey.Key{Survey: 3, Step: 1, StepInstance: 1, Section: 1, SectionInstance: 1, Question: 2, QuestionInstance: a.Key.QuestionInstance}, a.Key)
		}
	}

	res = f.save(t, rid, count.ID, "1")
	assert.Equal(t, 2, res.Cascade.Deleted)
	assert.Equal(t, []int{1}, instances(res.Page, 2))

	rows := f.rowsOf(t, rid, 2)
	require.Len(t, rows, 3)
	assert.False(t, rows[0].Deleted)
	assert.True(t, rows[1].Deleted)
	assert.True(t, rows[2].Deleted)
}

func fillNames(t *testing.T, f *fixture, rid string, p *services.Page) {
	t.Helper()
	for _, a := range p.Answers {
		if a.QuestionID == 2 {
			f.save(t, rid, a.ID, "N"+a.Key.String()[len(a.Key.String())-1:])
		}
	}
}

func TestRepeatShrinkKeepsSurvivorsUntouched(t *testing.T) {
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 3)
	count := f.start(t, rid).Answers[0]

	fillNames(t, f, rid, f.save(t, rid, count.ID, "5").Page)
	before := f.rowsOf(t, rid, 2)
	require.Len(t, before, 5)

	res := f.save(t, rid, count.ID, "2")
	assert.Equal(t, []int{1, 2}, instances(res.Page, 2))
	after := f.rowsOf(t, rid, 2)
	require.Len(t, after, 5)
	for i, a := range after {
		assert.Equal(t, i >= 2, a.Deleted, "instance %d", i+1)
		assert.Equal(t, before[i].TextValue, a.TextValue)
		assert.Equal(t, before[i].SavedAt, a.SavedAt)
	}
}

func TestRepeatRegrowRestorePolicyBringsValuesBack(t *testing.T) {
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 3)
	count := f.start(t, rid).Answers[0]

	fillNames(t, f, rid, f.save(t, rid, count.ID, "5").Page)
	f.save(t, rid, count.ID, "2")

	res := f.save(t, rid, count.ID, "5")
	assert.Equal(t, 0, res.Cascade.Created)
	assert.Equal(t, 3, res.Cascade.Restored)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, instances(res.Page, 2))
	for k := 1; k <= 5; k++ {
		a := answerFor(res.Page, 2, k)
		require.NotNil(t, a)
		require.NotNil(t, a.TextValue, "instance %d", k)
		assert.Equal(t, "N"+string(rune('0'+k)), *a.TextValue)
	}
	assert.Len(t, f.rowsOf(t, rid, 2), 5)
}

func TestRepeatRegrowFreshPolicyClearsValues(t *testing.T) {
	f := newFixture(t, repeatSurvey(t), services.RegrowFresh)
	rid := f.respondent(t, "r1", 3)
	count := f.start(t, rid).Answers[0]

	fillNames(t, f, rid, f.save(t, rid, count.ID, "5").Page)
	f.save(t, rid, count.ID, "2")

	res := f.save(t, rid, count.ID, "5")
	assert.Equal(t, 3, res.Cascade.Restored)
	for k := 1; k <= 5; k++ {
		a := answerFor(res.Page, 2, k)
		require.NotNil(t, a)
		if k <= 2 {
			require.NotNil(t, a.TextValue)
			assert.Equal(t, "N"+string(rune('0'+k)), *a.TextValue)
			continue
		}
		assert.Nil(t, a.TextValue, "instance %d", k)
		assert.Nil(t, a.SavedAt, "instance %d", k)
	}
}

func TestRepeatCountOutOfRangeMeansNone(t *testing.T) {
	f := newFixture(t, householdSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 1)
	size := f.start(t, rid).Answers[0]

	assert.Equal(t, []int{1, 2}, instances(f.save(t, rid, size.ID, "2").Page, 2))
	// limit is 20
	assert.Empty(t, instances(f.save(t, rid, size.ID, "21").Page, 2))
	assert.Empty(t, instances(f.save(t, rid, size.ID, "lots").Page, 2))
	assert.Empty(t, instances(f.save(t, rid, size.ID, "-4").Page, 2))
}

func TestGateRemovesAndRestoresNestedRepeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, householdSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 1)
	first := f.start(t, rid)

	pets, err := f.svc.Navigate(ctx, rid, *first.Next)
	require.NoError(t, err)
	require.Len(t, pets.Answers, 1)
	petsAnswer := pets.Answers[0]

	res := f.save(t, rid, petsAnswer.ID, "Y")
	require.NotNil(t, res.Page.Next)
	petCount, err := f.svc.Navigate(ctx, rid, *res.Page.Next)
	require.NoError(t, err)
	assert.Equal(t, "Pet count", petCount.SectionTitle)

	f.save(t, rid, petCount.Answers[0].ID, "2")
	assert.Equal(t, []string{"Members", "Pets", "Pet count", "Pet", "Pet", "Agreement"}, f.pageTitles(t, rid))

	pet2, err := f.svc.Navigate(ctx, rid, hkey.Key{Survey: 1, Step: 1, StepInstance: 1, Section: 4, SectionInstance: 2})
	require.NoError(t, err)
	f.save(t, rid, answerFor(pet2, 5, 1).ID, "Rex")

	res = f.save(t, rid, petsAnswer.ID, "N")
	assert.Equal(t, []string{"Members", "Pets", "Agreement"}, f.pageTitles(t, rid))
	for _, qid := range []int64{4, 5, 6} {
		for _, a := range f.rowsOf(t, rid, qid) {
			assert.True(t, a.Deleted, "question %d %s", qid, a.Key)
		}
	}
	_, err = f.svc.Navigate(ctx, rid, pet2.Key)
	se, ok := services.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, services.ErrorNotFound, se.Code)

	f.save(t, rid, petsAnswer.ID, "Y")
	assert.Equal(t, []string{"Members", "Pets", "Pet count", "Pet", "Pet", "Agreement"}, f.pageTitles(t, rid))
	pet2, err = f.svc.Navigate(ctx, rid, pet2.Key)
	require.NoError(t, err)
	name := answerFor(pet2, 5, 1)
	require.NotNil(t, name.TextValue)
	assert.Equal(t, "Rex", *name.TextValue)
}

func TestGateFreshPolicyDoesNotRebuildNested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, householdSurvey(t), services.RegrowFresh)
	rid := f.respondent(t, "r1", 1)
	first := f.start(t, rid)
	pets, err := f.svc.Navigate(ctx, rid, *first.Next)
	require.NoError(t, err)
	petsAnswer := pets.Answers[0]

	res := f.save(t, rid, petsAnswer.ID, "Y")
	petCount, err := f.svc.Navigate(ctx, rid, *res.Page.Next)
	require.NoError(t, err)
	f.save(t, rid, petCount.Answers[0].ID, "2")
	f.save(t, rid, petsAnswer.ID, "N")
	f.save(t, rid, petsAnswer.ID, "Y")

	assert.Equal(t, []string{"Members", "Pets", "Pet count", "Agreement"}, f.pageTitles(t, rid))
	petCount, err = f.svc.Navigate(ctx, rid, petCount.Key)
	require.NoError(t, err)
	assert.Nil(t, petCount.Answers[0].TextValue)
}

func TestStepRepeatCarriesNestedScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, garageSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 5)
	cars := f.start(t, rid).Answers[0]

	// step title, section title and three unguarded questions per instance
	res := f.save(t, rid, cars.ID, "2")
	assert.Equal(t, 10, res.Cascade.Created)
	assert.Equal(t, []string{"Count", "Vehicle", "Vehicle"}, f.pageTitles(t, rid))

	car2, err := f.svc.Navigate(ctx, rid, hkey.Key{Survey: 5, Step: 2, StepInstance: 2})
	require.NoError(t, err)
	assert.Equal(t, "Car", car2.StepTitle)
	assert.Equal(t, hkey.Key{Survey: 5, Step: 2, StepInstance: 2, Section: 1, SectionInstance: 1}, car2.Key)
	require.Len(t, car2.Answers, 3)
	f.save(t, rid, answerFor(car2, 2, 1).ID, "Tesla")
	assert.Equal(t, 2, f.save(t, rid, answerFor(car2, 3, 1).ID, "Y").Cascade.Created)
	assert.Equal(t, 2, f.save(t, rid, answerFor(car2, 5, 1).ID, "2").Cascade.Created)
	assert.Equal(t, []string{"Count", "Vehicle", "Vehicle", "Charging"}, f.pageTitles(t, rid))
	car2, err = f.svc.Navigate(ctx, rid, car2.Key)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, instances(car2, 6))

	res = f.save(t, rid, cars.ID, "1")
	assert.Equal(t, 9, res.Cascade.Deleted)
	assert.Equal(t, []string{"Count", "Vehicle"}, f.pageTitles(t, rid))
	_, err = f.svc.Navigate(ctx, rid, car2.Key)
	se, ok := services.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, services.ErrorNotFound, se.Code)

	res = f.save(t, rid, cars.ID, "2")
	assert.Equal(t, 0, res.Cascade.Created)
	assert.Equal(t, 9, res.Cascade.Restored)
	assert.Equal(t, []string{"Count", "Vehicle", "Vehicle", "Charging"}, f.pageTitles(t, rid))
	car2, err = f.svc.Navigate(ctx, rid, car2.Key)
	require.NoError(t, err)
	carMake := answerFor(car2, 2, 1)
	require.NotNil(t, carMake.TextValue)
	assert.Equal(t, "Tesla", *carMake.TextValue)
	assert.Equal(t, []int{1, 2}, instances(car2, 6))

	res = f.save(t, rid, cars.ID, "0")
	assert.Equal(t, 14, res.Cascade.Deleted)
	assert.Equal(t, []string{"Count"}, f.pageTitles(t, rid))
	for _, qid := range []int64{2, 3, 4, 5, 6} {
		for _, a := range f.rowsOf(t, rid, qid) {
			assert.True(t, a.Deleted, "question %d %s", qid, a.Key)
		}
	}
}

func TestNavigateKeyResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, householdSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 1)
	f.start(t, rid)

	// a step key lands on the step's first page
	p, err := f.svc.Navigate(ctx, rid, hkey.Key{Survey: 1, Step: 2, StepInstance: 1})
	require.NoError(t, err)
	assert.Equal(t, "Agreement", p.SectionTitle)
	assert.Equal(t, "Consent", p.StepTitle)
	assert.Nil(t, p.Next)
	require.NotNil(t, p.Previous)
	assert.Equal(t, hkey.Key{Survey: 1, Step: 1, StepInstance: 1, Section: 2, SectionInstance: 1}, *p.Previous)
	assert.Len(t, p.Answers, 3)

	// a question key lands on its section instance
	p, err = f.svc.Navigate(ctx, rid, hkey.Key{Survey: 1, Step: 1, StepInstance: 1, Section: 2, SectionInstance: 1, Question: 1, QuestionInstance: 1})
	require.NoError(t, err)
	assert.Equal(t, "Pets", p.SectionTitle)
	assert.Equal(t, 1, p.Index)
	assert.Equal(t, 3, p.Total)

	for _, k := range []hkey.Key{
		{Survey: 1, Step: 1, StepInstance: 1, Section: 3, SectionInstance: 1},
		{Survey: 1, Step: 1, StepInstance: 2},
		{Survey: 2, Step: 1, StepInstance: 1, Section: 1, SectionInstance: 1},
	} {
		_, err := f.svc.Navigate(ctx, rid, k)
		se, ok := services.AsServiceError(err)
		require.True(t, ok, "key %s", k)
		assert.Equal(t, services.ErrorNotFound, se.Code)
	}
}

func TestRemoveDeletedPurgesOnlySoftDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 3)
	count := f.start(t, rid).Answers[0]
	f.save(t, rid, count.ID, "4")
	f.save(t, rid, count.ID, "1")

	n, err := f.engine.RemoveDeleted(ctx, f.mem, rid)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	for _, a := range f.rowsOf(t, rid, 2) {
		assert.False(t, a.Deleted)
	}
	assert.Len(t, f.rowsOf(t, rid, 2), 1)
}

func TestBuildDownstreamIgnoresTitleRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	snap, err := f.defs.Snapshot(ctx, 3)
	require.NoError(t, err)
	title := &models.Answer{RespondentID: "r1", SurveyID: 3, Key: hkey.Key{Survey: 3, Step: 1, StepInstance: 1}}
	stats, err := f.engine.BuildDownstream(ctx, f.mem, snap, title)
	require.NoError(t, err)
	assert.Equal(t, services.CascadeStats{}, stats)
}
