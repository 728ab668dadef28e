package services

import (
	"strconv"
	"strings"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

// RequiredInstances returns how many instances of rel's downstream scope the
// upstream row calls for. A missing or deleted upstream requires none.
func RequiredInstances(rel *models.Relationship, upstream *models.Answer) int {
	if upstream == nil || upstream.Deleted {
		return 0
	}
	switch rel.Action {
	case models.ActionRepeat:
		return repeatCount(upstream.TextValue, rel.Limit)
	case models.ActionShow:
		if gateHolds(rel.Operator, rel.Operand, upstream.TextValue) {
			return 1
		}
	}
	return 0
}

// repeatCount reads v as a repeat count. Anything unusable counts as zero.
func repeatCount(v *string, limit int) int {
	if v == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(*v))
	if err != nil || n < 0 || n > hkey.Max {
		return 0
	}
	if limit > 0 && n > limit {
		return 0
	}
	return n
}

// gateHolds evaluates a comparison operator. A null or empty upstream value
// never satisfies a gate.
func gateHolds(op models.OperatorKind, operand string, v *string) bool {
	if v == nil {
		return false
	}
	val := strings.TrimSpace(*v)
	if val == "" {
		return false
	}
	operand = strings.TrimSpace(operand)
	switch op {
	case models.OperatorEquals:
		return val == operand
	case models.OperatorNotEquals:
		return val != operand
	case models.OperatorContains:
		for _, part := range strings.Split(val, ",") {
			if strings.TrimSpace(part) == operand {
				return true
			}
		}
		return false
	case models.OperatorGreaterThan, models.OperatorGreaterOrEqual, models.OperatorLessThan, models.OperatorLessOrEqual:
		a, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return false
		}
		b, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return false
		}
		switch op {
		case models.OperatorGreaterThan:
			return a > b
		case models.OperatorGreaterOrEqual:
			return a >= b
		case models.OperatorLessThan:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// upstreamKey locates the upstream row that governs the downstream instance
// at key. Instance numbers carry over only at the levels the upstream shares
// with the downstream; elsewhere the upstream is instance 1.
func upstreamKey(surveyID int, rel *models.Relationship, at hkey.Key) hkey.Key {
	u := rel.Upstream
	k := hkey.Key{Survey: surveyID, Step: u.Step, StepInstance: 1, Section: u.Section, SectionInstance: 1, Question: u.Question, QuestionInstance: 1}
	if u.Step == rel.Downstream.Step {
		k.StepInstance = at.StepInstance
		if rel.Downstream.Level() != models.LevelStep && u.Section == rel.Downstream.Section {
			k.SectionInstance = at.SectionInstance
		}
	}
	return k
}

// downstreamAnchor returns the parent coordinates under which the upstream
// row at up builds rel's downstream instances. It is the inverse of
// upstreamKey.
func downstreamAnchor(surveyID int, rel *models.Relationship, up hkey.Key) hkey.Key {
	d := rel.Downstream
	k := hkey.Key{Survey: surveyID, Step: d.Step, StepInstance: 1}
	if d.Level() == models.LevelStep {
		k.StepInstance = 0
		return k
	}
	k.Section = d.Section
	k.SectionInstance = 1
	if d.Step == rel.Upstream.Step {
		k.StepInstance = up.StepInstance
		if d.Section == rel.Upstream.Section {
			k.SectionInstance = up.SectionInstance
		}
	}
	if d.Level() == models.LevelSection {
		k.SectionInstance = 0
		return k
	}
	k.Question = d.Question
	return k
}
