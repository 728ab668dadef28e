package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
)

func row(rid string, q, qi int) *models.Answer {
	return &models.Answer{RespondentID: rid, SurveyID: 1, QuestionID: int64(q),
		Key: hkey.Key{Survey: 1, Step: 1, StepInstance: 1, Section: 1, SectionInstance: 1, Question: q, QuestionInstance: qi}}
}

func TestAnswersPrefixAndOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertAnswers(ctx, []*models.Answer{row("r1", 2, 2), row("r1", 2, 1), row("r1", 1, 1), row("r2", 1, 1)}))

	all, err := s.ListAnswers(ctx, "r1", services.AnswerQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Key.Question)
	assert.Equal(t, 1, all[1].Key.QuestionInstance)
	assert.Equal(t, 2, all[2].Key.QuestionInstance)

	q2, err := s.ListAnswers(ctx, "r1", services.AnswerQuery{Prefix: all[1].Key.AnswerPrefix()})
	require.NoError(t, err)
	assert.Len(t, q2, 2)

	exact, err := s.ListAnswers(ctx, "r1", services.AnswerQuery{Prefix: all[0].Key.String()})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, all[0].ID, exact[0].ID)
}

func TestDuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertAnswers(ctx, []*models.Answer{row("r1", 1, 1)}))
	err := s.InsertAnswers(ctx, []*models.Answer{row("r1", 1, 1)})
	assert.ErrorIs(t, err, models.ErrDuplicate)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s := New()
	rows := []*models.Answer{row("r1", 1, 1), row("r1", 1, 2)}
	require.NoError(t, s.InsertAnswers(ctx, rows))
	require.NoError(t, s.SetAnswersDeleted(ctx, []int64{rows[1].ID}, true))

	live, _ := s.ListAnswers(ctx, "r1", services.AnswerQuery{})
	assert.Len(t, live, 1)
	withDeleted, _ := s.ListAnswers(ctx, "r1", services.AnswerQuery{IncludeDeleted: true})
	assert.Len(t, withDeleted, 2)

	n, err := s.PurgeDeletedAnswers(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	count, _ := s.CountAnswers(ctx, "r1")
	assert.Equal(t, 1, count)
	// the purged key is free again
	require.NoError(t, s.InsertAnswers(ctx, []*models.Answer{row("r1", 1, 2)}))
}

func TestWithTxRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := row("r1", 1, 1)
	require.NoError(t, s.InsertAnswers(ctx, []*models.Answer{a}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx services.Store) error {
		a.TextValue = models.StringPtr("3")
		require.NoError(t, tx.UpdateAnswer(ctx, a))
		require.NoError(t, tx.InsertAnswers(ctx, []*models.Answer{row("r1", 2, 1)}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetAnswer(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.TextValue)
	n, _ := s.CountAnswers(ctx, "r1")
	assert.Equal(t, 1, n)
}

func TestReturnedRowsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := row("r1", 1, 1)
	require.NoError(t, s.InsertAnswers(ctx, []*models.Answer{a}))
	got, _ := s.GetAnswer(ctx, a.ID)
	got.TextValue = models.StringPtr("x")
	again, _ := s.GetAnswer(ctx, a.ID)
	assert.Nil(t, again.TextValue)
}

func TestRespondentTokens(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRespondent(ctx, &models.Respondent{ID: "r1", Token: "tok", SurveyID: 1}))
	assert.ErrorIs(t, s.CreateRespondent(ctx, &models.Respondent{ID: "r2", Token: "tok", SurveyID: 1}), models.ErrDuplicate)

	r, err := s.GetRespondentByToken(ctx, "tok")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "r1", r.ID)

	missing, err := s.GetRespondent(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
