package api

import (
	"time"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
)

type loginRequest struct {
	Token string `json:"token" validate:"required"`
}

type loginResponse struct {
	Session      string `json:"session"`
	RespondentID string `json:"respondent_id"`
	SurveyID     int    `json:"survey_id"`
}

type saveRequest struct {
	AnswerID int64   `json:"answer_id" validate:"required,gt=0"`
	Value    *string `json:"value"`
}

type issueRequest struct {
	SurveyID int `json:"survey_id" validate:"required,min=1,max=9999"`
	Count    int `json:"count" validate:"required,min=1,max=10000"`
}

type tokenDTO struct {
	RespondentID string `json:"respondent_id"`
	Token        string `json:"token"`
}

type answerDTO struct {
	ID         int64      `json:"id"`
	Key        string     `json:"key"`
	QuestionID int64      `json:"question_id"`
	Text       string     `json:"text"`
	Value      *string    `json:"value"`
	SavedAt    *time.Time `json:"saved_at,omitempty"`
}

type pageDTO struct {
	Key          string      `json:"key"`
	StepTitle    string      `json:"step_title"`
	SectionTitle string      `json:"section_title"`
	Answers      []answerDTO `json:"answers"`
	Previous     *string     `json:"previous,omitempty"`
	Next         *string     `json:"next,omitempty"`
	Index        int         `json:"index"`
	Total        int         `json:"total"`
}

type saveResponse struct {
	Changed bool    `json:"changed"`
	Created int     `json:"created"`
	Deleted int     `json:"deleted"`
	Page    pageDTO `json:"page"`
}

type reviewItemDTO struct {
	AnswerID int64  `json:"answer_id"`
	Key      string `json:"key"`
	Label    string `json:"label"`
	Value    string `json:"value"`
}

type reviewSectionDTO struct {
	Key      string          `json:"key"`
	Title    string          `json:"title"`
	Instance int             `json:"instance"`
	Items    []reviewItemDTO `json:"items"`
}

type reviewDTO struct {
	RespondentID string             `json:"respondent_id"`
	Finalized    bool               `json:"finalized"`
	Sections     []reviewSectionDTO `json:"sections"`
}

type actionResultDTO struct {
	ActionID int64     `json:"action_id"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Attempts int       `json:"attempts"`
	Updated  time.Time `json:"updated_at"`
}

type finalizeDTO struct {
	RespondentID string            `json:"respondent_id"`
	FinalizedAt  time.Time         `json:"finalized_at"`
	Resumed      bool              `json:"resumed,omitempty"`
	Purged       int64             `json:"purged"`
	HandoffError string            `json:"handoff_error,omitempty"`
	Actions      []actionResultDTO `json:"actions"`
}

func keyPtr(k *hkey.Key) *string {
	if k == nil {
		return nil
	}
	s := k.String()
	return &s
}

func toPageDTO(p *services.Page) pageDTO {
	out := pageDTO{
		Key:          p.Key.String(),
		StepTitle:    p.StepTitle,
		SectionTitle: p.SectionTitle,
		Answers:      make([]answerDTO, 0, len(p.Answers)),
		Previous:     keyPtr(p.Previous),
		Next:         keyPtr(p.Next),
		Index:        p.Index,
		Total:        p.Total,
	}
	for _, a := range p.Answers {
		out.Answers = append(out.Answers, answerDTO{
			ID: a.ID, Key: a.Key.String(), QuestionID: a.QuestionID,
			Text: a.DisplayText, Value: a.TextValue, SavedAt: a.SavedAt,
		})
	}
	return out
}

func toReviewDTO(r *services.Review) reviewDTO {
	out := reviewDTO{RespondentID: r.RespondentID, Finalized: r.Finalized, Sections: make([]reviewSectionDTO, 0, len(r.Sections))}
	for _, sec := range r.Sections {
		sd := reviewSectionDTO{Key: sec.Key.String(), Title: sec.Title, Instance: sec.Instance}
		for _, it := range sec.Items {
			sd.Items = append(sd.Items, reviewItemDTO{AnswerID: it.AnswerID, Key: it.Key.String(), Label: it.Label, Value: it.Value})
		}
		out.Sections = append(out.Sections, sd)
	}
	return out
}

func toActionResultDTOs(rs []*models.ActionResult) []actionResultDTO {
	out := make([]actionResultDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, actionResultDTO{ActionID: r.ActionID, Status: string(r.Status), Message: r.Message, Attempts: r.Attempts, Updated: r.UpdatedAt})
	}
	return out
}
