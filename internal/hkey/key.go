// Package hkey implements the fixed-width hierarchical address that identifies
// every answer slot of a respondent's survey.
//
// A key has seven components (survey, step, step instance, section, section
// instance, question, question instance). Each is rendered as a 4-digit
// zero-padded decimal and the parts are joined with "-", so that plain string
// comparison of two formatted keys agrees with component-wise numeric order.
package hkey

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Parts is the number of components in a key.
	Parts = 7
	// Width is the rendered width of every component.
	Width = 4
	// Max is the largest value a component may hold.
	Max = 9999
	// Separator joins the rendered components.
	Separator = "-"
	// Wildcard terminates a prefix. It is the SQL LIKE wildcard so prefixes
	// can be bound directly into queries.
	Wildcard = "%"
)

// Key is a decoded hierarchical address.
type Key struct {
	Survey           int `json:"survey"`
	Step             int `json:"step"`
	StepInstance     int `json:"step_instance"`
	Section          int `json:"section"`
	SectionInstance  int `json:"section_instance"`
	Question         int `json:"question"`
	QuestionInstance int `json:"question_instance"`
}

// FormatError reports a key string or component that cannot be encoded or decoded.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("hkey: invalid key %q: %s", e.Input, e.Reason)
}

var componentNames = [Parts]string{
	"survey", "step", "step instance", "section", "section instance", "question", "question instance",
}

func (k Key) components() [Parts]int {
	return [Parts]int{k.Survey, k.Step, k.StepInstance, k.Section, k.SectionInstance, k.Question, k.QuestionInstance}
}

func fromComponents(c [Parts]int) Key {
	return Key{
		Survey:           c[0],
		Step:             c[1],
		StepInstance:     c[2],
		Section:          c[3],
		SectionInstance:  c[4],
		Question:         c[5],
		QuestionInstance: c[6],
	}
}

// Parse decodes a formatted key. Every part must be 1 to 4 decimal digits;
// surrounding whitespace is rejected.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != Parts {
		return Key{}, &FormatError{Input: s, Reason: fmt.Sprintf("want %d parts, got %d", Parts, len(parts))}
	}
	var c [Parts]int
	for i, p := range parts {
		if p == "" || len(p) > Width {
			return Key{}, &FormatError{Input: s, Reason: fmt.Sprintf("%s must be 1-%d digits", componentNames[i], Width)}
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return Key{}, &FormatError{Input: s, Reason: fmt.Sprintf("%s is not numeric", componentNames[i])}
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, &FormatError{Input: s, Reason: err.Error()}
		}
		c[i] = n
	}
	return fromComponents(c), nil
}

// Validate reports whether every component fits the fixed width.
func (k Key) Validate() error {
	for i, v := range k.components() {
		if v < 0 || v > Max {
			return &FormatError{Input: k.render(Parts), Reason: fmt.Sprintf("%s %d out of range 0-%d", componentNames[i], v, Max)}
		}
	}
	return nil
}

// Format renders k, rejecting components outside 0-9999.
func Format(k Key) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k.render(Parts), nil
}

// String renders k without validation. Out-of-range keys render wider than
// Width and no longer sort correctly; use Format where that matters.
func (k Key) String() string {
	return k.render(Parts)
}

func (k Key) render(n int) string {
	c := k.components()
	var b strings.Builder
	b.Grow(n * (Width + 1))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(Separator)
		}
		fmt.Fprintf(&b, "%0*d", Width, c[i])
	}
	return b.String()
}

func (k Key) prefix(n int) string {
	return k.render(n) + Separator + Wildcard
}

// StepInstancesPrefix selects every instance of the key's step.
func (k Key) StepInstancesPrefix() string { return k.prefix(2) }

// StepPrefix selects everything inside the key's step instance.
func (k Key) StepPrefix() string { return k.prefix(3) }

// SectionPrefix selects every instance of the key's section, including its title row.
func (k Key) SectionPrefix() string { return k.prefix(4) }

// SectionInstancePrefix selects the rows of one section instance.
func (k Key) SectionInstancePrefix() string { return k.prefix(5) }

// AnswerPrefix selects every instance of the key's question.
func (k Key) AnswerPrefix() string { return k.prefix(6) }

// SurveyPrefix selects every row of the key's survey.
func (k Key) SurveyPrefix() string { return k.prefix(1) }

// Match reports whether formatted key s falls under prefix. A prefix without
// a trailing wildcard must equal s exactly.
func Match(prefix, s string) bool {
	if p, ok := strings.CutSuffix(prefix, Wildcard); ok {
		return strings.HasPrefix(s, p)
	}
	return prefix == s
}

// Compare orders keys component by component.
func Compare(a, b Key) int {
	ac, bc := a.components(), b.components()
	for i := range ac {
		switch {
		case ac[i] < bc[i]:
			return -1
		case ac[i] > bc[i]:
			return 1
		}
	}
	return 0
}

// IsStepTitle reports whether k addresses a step title marker.
func (k Key) IsStepTitle() bool {
	return k.Section == 0 && k.SectionInstance == 0 && k.Question == 0 && k.QuestionInstance == 0
}

// IsSectionTitle reports whether k addresses a section title marker.
func (k Key) IsSectionTitle() bool {
	return k.Section > 0 && k.SectionInstance == 0 && k.Question == 0 && k.QuestionInstance == 0
}

// IsZero reports whether every component is zero.
func (k Key) IsZero() bool { return k == Key{} }

// StepTitle returns the title marker of k's step instance.
func (k Key) StepTitle() Key {
	return Key{Survey: k.Survey, Step: k.Step, StepInstance: k.StepInstance}
}

// SectionTitle returns the title marker shared by every instance of k's section.
func (k Key) SectionTitle() Key {
	return Key{Survey: k.Survey, Step: k.Step, StepInstance: k.StepInstance, Section: k.Section}
}

// Page truncates k to its section instance.
func (k Key) Page() Key {
	return Key{Survey: k.Survey, Step: k.Step, StepInstance: k.StepInstance, Section: k.Section, SectionInstance: k.SectionInstance}
}
