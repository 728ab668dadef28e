package services

import (
	"context"

	"github.com/soaringjerry/surveyengine/internal/models"
)

// AnswerQuery selects answer rows of one respondent. Prefix is an hkey prefix
// (or a full formatted key); rows come back ordered by key.
type AnswerQuery struct {
	Prefix         string
	IncludeDeleted bool
}

// AnswerStore persists the per-respondent answer tree.
type AnswerStore interface {
	CountAnswers(ctx context.Context, respondentID string) (int, error)
	ListAnswers(ctx context.Context, respondentID string, q AnswerQuery) ([]*models.Answer, error)
	// GetAnswer returns nil when the row does not exist.
	GetAnswer(ctx context.Context, id int64) (*models.Answer, error)
	// InsertAnswers assigns IDs to the inserted rows.
	InsertAnswers(ctx context.Context, answers []*models.Answer) error
	// UpdateAnswer writes the value, saved timestamp and deleted flag of a row.
	UpdateAnswer(ctx context.Context, a *models.Answer) error
	SetAnswersDeleted(ctx context.Context, ids []int64, deleted bool) error
	PurgeDeletedAnswers(ctx context.Context, respondentID string) (int64, error)
}

// RespondentStore persists respondents. Lookups return nil when missing.
type RespondentStore interface {
	// CreateRespondent returns models.ErrDuplicate when the token is taken.
	CreateRespondent(ctx context.Context, r *models.Respondent) error
	GetRespondent(ctx context.Context, id string) (*models.Respondent, error)
	GetRespondentByToken(ctx context.Context, token string) (*models.Respondent, error)
	UpdateRespondent(ctx context.Context, r *models.Respondent) error
}

// DefinitionStore holds the static survey structure.
type DefinitionStore interface {
	// GetSurvey returns nil when the survey does not exist.
	GetSurvey(ctx context.Context, id int) (*models.Survey, error)
	// SaveSurvey replaces the stored structure of sv.ID.
	SaveSurvey(ctx context.Context, sv *models.Survey) error
	ListSurveyIDs(ctx context.Context) ([]int, error)
}

// ActionResultStore records post-survey action outcomes.
type ActionResultStore interface {
	SaveActionResult(ctx context.Context, r *models.ActionResult) error
	ListActionResults(ctx context.Context, respondentID string) ([]*models.ActionResult, error)
}

// Store is the full persistence surface. WithTx runs fn against a
// transactional view; returning an error rolls every write back.
type Store interface {
	AnswerStore
	RespondentStore
	DefinitionStore
	ActionResultStore
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
