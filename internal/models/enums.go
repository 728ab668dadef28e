package models

import (
	"fmt"
	"strings"
)

// QuestionType selects the input widget and value coercion of a question.
type QuestionType int

const (
	QuestionText QuestionType = iota + 1
	QuestionTextarea
	QuestionInteger
	QuestionDouble
	QuestionDate
	QuestionDateTime
	QuestionTime
	QuestionSelect
	QuestionMultiSelect
	QuestionCheckbox
	QuestionHTML
	QuestionModal
	QuestionEmail
	QuestionPassword
)

var questionTypeNames = map[QuestionType]string{
	QuestionText:        "text",
	QuestionTextarea:    "textarea",
	QuestionInteger:     "integer",
	QuestionDouble:      "double",
	QuestionDate:        "date",
	QuestionDateTime:    "datetime",
	QuestionTime:        "time",
	QuestionSelect:      "select",
	QuestionMultiSelect: "multiselect",
	QuestionCheckbox:    "checkbox",
	QuestionHTML:        "html",
	QuestionModal:       "modal",
	QuestionEmail:       "email",
	QuestionPassword:    "password",
}

func (t QuestionType) String() string {
	if s, ok := questionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("QuestionType(%d)", int(t))
}

// Answerable reports whether the type accepts input.
func (t QuestionType) Answerable() bool {
	return t != QuestionHTML && t != QuestionModal
}

// ParseQuestionType decodes a type name.
func ParseQuestionType(s string) (QuestionType, error) {
	return parseEnum(s, questionTypeNames, "question type")
}

// ActionKind is the structural change a relationship applies.
type ActionKind int

const (
	// ActionRepeat instantiates N repeats of the downstream scope.
	ActionRepeat ActionKind = iota + 1
	// ActionShow keeps the single downstream instance only while the condition holds.
	ActionShow
)

var actionKindNames = map[ActionKind]string{
	ActionRepeat: "repeat",
	ActionShow:   "show",
}

func (k ActionKind) String() string {
	if s, ok := actionKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// ParseActionKind decodes an action kind name.
func ParseActionKind(s string) (ActionKind, error) {
	return parseEnum(s, actionKindNames, "action kind")
}

// OperatorKind is how a relationship interprets its upstream value.
type OperatorKind int

const (
	OperatorCount OperatorKind = iota + 1
	OperatorEquals
	OperatorNotEquals
	OperatorGreaterThan
	OperatorGreaterOrEqual
	OperatorLessThan
	OperatorLessOrEqual
	OperatorContains
)

var operatorKindNames = map[OperatorKind]string{
	OperatorCount:          "count",
	OperatorEquals:         "equals",
	OperatorNotEquals:      "not_equals",
	OperatorGreaterThan:    "greater_than",
	OperatorGreaterOrEqual: "greater_or_equal",
	OperatorLessThan:       "less_than",
	OperatorLessOrEqual:    "less_or_equal",
	OperatorContains:       "contains",
}

func (k OperatorKind) String() string {
	if s, ok := operatorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OperatorKind(%d)", int(k))
}

// IsComparison reports whether the operator gates rather than counts.
func (k OperatorKind) IsComparison() bool {
	return k >= OperatorEquals && k <= OperatorContains
}

// ParseOperatorKind decodes an operator kind name.
func ParseOperatorKind(s string) (OperatorKind, error) {
	return parseEnum(s, operatorKindNames, "operator kind")
}

// ActionStatus is the recorded state of a post-survey action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionResending ActionStatus = "RESENDING"
	ActionFailed    ActionStatus = "FAILED"
	ActionSucceeded ActionStatus = "SUCCEEDED"
)

// ParseActionStatus decodes a stored status.
func ParseActionStatus(s string) (ActionStatus, error) {
	switch st := ActionStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case ActionPending, ActionResending, ActionFailed, ActionSucceeded:
		return st, nil
	}
	return "", fmt.Errorf("unknown action status %q", s)
}

func parseEnum[T comparable](s string, names map[T]string, what string) (T, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range names {
		if name == s {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", what, s)
}
