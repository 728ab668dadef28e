package models

import (
	"time"

	"github.com/soaringjerry/surveyengine/internal/hkey"
)

// Survey is the static structure a respondent steps through. It is owned by
// the admin layer and treated as read-only configuration here.
type Survey struct {
	ID            int
	Name          string
	Steps         []*Step
	Relationships []*Relationship
	Actions       []*PostSurveyAction
}

// Step is a top-level division of a survey. Number is its key component.
type Step struct {
	Number   int
	Title    string
	Sections []*Section
}

// Section is a page-sized group of questions. Number is its key component
// within the step.
type Section struct {
	Number    int
	Title     string
	Questions []*Question
}

// Question is an answerable (or display-only) slot within a section.
type Question struct {
	ID         int64
	Number     int
	Type       QuestionType
	Text       string
	ShortLabel string
	Required   bool
	Options    []Option
}

// Option is a selectable item of a select or multiselect question.
type Option struct {
	Code string
	Text string
}

// OptionText returns the display text for code, if the question defines it.
func (q *Question) OptionText(code string) (string, bool) {
	for _, o := range q.Options {
		if o.Code == code {
			return o.Text, true
		}
	}
	return "", false
}

// Locator addresses a step, a section or a question of the static structure.
// The most specific non-zero level is the addressed scope.
type Locator struct {
	Step     int
	Section  int
	Question int
}

// Level names the scope a locator addresses.
type Level int

const (
	LevelNone Level = iota
	LevelStep
	LevelSection
	LevelQuestion
)

// Level returns the addressed scope.
func (l Locator) Level() Level {
	switch {
	case l.Step > 0 && l.Section > 0 && l.Question > 0:
		return LevelQuestion
	case l.Step > 0 && l.Section > 0:
		return LevelSection
	case l.Step > 0:
		return LevelStep
	default:
		return LevelNone
	}
}

// Contains reports whether other is l or nested under it.
func (l Locator) Contains(other Locator) bool {
	switch l.Level() {
	case LevelStep:
		return other.Step == l.Step
	case LevelSection:
		return other.Step == l.Step && other.Section == l.Section
	case LevelQuestion:
		return other == l
	}
	return false
}

// Relationship drives a downstream scope from an upstream answer.
type Relationship struct {
	ID         int64
	Upstream   Locator
	Downstream Locator
	Action     ActionKind
	Operator   OperatorKind
	// Operand is the comparison value of gating operators.
	Operand string
	// Limit caps repeat counts; larger counts are treated as zero. 0 means hkey.Max.
	Limit int
}

// PostSurveyAction is an outbound notification fired once a respondent finalizes.
type PostSurveyAction struct {
	ID   int64
	Name string
	URL  string
}

// Answer is one addressed row of a respondent's answer tree. Rows without a
// question are step or section title markers.
type Answer struct {
	ID           int64
	RespondentID string
	SurveyID     int
	Key          hkey.Key
	QuestionID   int64
	DisplayText  string
	TextValue    *string
	Deleted      bool
	SavedAt      *time.Time
}

// IsTitle reports whether the row is a step or section title marker.
func (a *Answer) IsTitle() bool {
	return a.QuestionID == 0 && a.Key.SectionInstance == 0
}

// Value returns the stored value or "" when it is null.
func (a *Answer) Value() string {
	if a.TextValue == nil {
		return ""
	}
	return *a.TextValue
}

// Respondent is the holder of an issued token. FinalizedAt is set when
// finalize deactivates the respondent; CompletedAt once it has also purged,
// handed off and notified.
type Respondent struct {
	ID            string
	Token         string
	SurveyID      int
	Active        bool
	FirstAccessAt *time.Time
	FinalizedAt   *time.Time
	CompletedAt   *time.Time
	LoginCount    int
	CreatedAt     time.Time
}

// Finalized reports whether the respondent has completed the survey.
func (r *Respondent) Finalized() bool { return r.FinalizedAt != nil }

// ActionResult records the outcome of one post-survey action for a respondent.
type ActionResult struct {
	RespondentID string
	ActionID     int64
	Status       ActionStatus
	Message      string
	Attempts     int
	UpdatedAt    time.Time
}

// StringPtr is a helper for optional values.
func StringPtr(s string) *string { return &s }
