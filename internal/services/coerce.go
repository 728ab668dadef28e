package services

import (
	"fmt"
	"strings"

	"github.com/soaringjerry/surveyengine/internal/models"
)

// Coerce normalizes a submitted value for q's type. It returns nil for an
// absent value. Display-only questions cannot be answered.
func Coerce(q *models.Question, raw *string) (*string, error) {
	switch q.Type {
	case models.QuestionHTML, models.QuestionModal:
		return nil, NewInvalidError(fmt.Sprintf("question %d is not answerable", q.ID))
	case models.QuestionCheckbox:
		// There is no stored "false".
		if raw != nil && *raw == "true" {
			return models.StringPtr("true"), nil
		}
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}
	switch q.Type {
	case models.QuestionText, models.QuestionTextarea, models.QuestionPassword:
		if *raw == "" {
			return nil, nil
		}
		return models.StringPtr(*raw), nil
	case models.QuestionMultiSelect:
		return joinCodes(splitCodes(*raw)), nil
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return nil, nil
	}
	return &v, nil
}

// splitCodes splits a comma list, trimming items and dropping empty and
// repeated ones while keeping the first-seen order.
func splitCodes(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(s, ",") {
		p := strings.TrimSpace(part)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func joinCodes(codes []string) *string {
	if len(codes) == 0 {
		return nil
	}
	return models.StringPtr(strings.Join(codes, ","))
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
