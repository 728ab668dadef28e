// Package surveydef decodes survey definitions from YAML and checks that they
// form a structure the cascade engine can address.
package surveydef

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type fileSurvey struct {
	ID            int                `yaml:"id" validate:"required,min=1,max=9999"`
	Name          string             `yaml:"name" validate:"required"`
	Steps         []fileStep         `yaml:"steps" validate:"required,min=1,dive"`
	Relationships []fileRelationship `yaml:"relationships" validate:"dive"`
	Actions       []fileAction       `yaml:"actions" validate:"dive"`
}

type fileStep struct {
	Number   int           `yaml:"number" validate:"required,min=1,max=9999"`
	Title    string        `yaml:"title"`
	Sections []fileSection `yaml:"sections" validate:"required,min=1,dive"`
}

type fileSection struct {
	Number    int            `yaml:"number" validate:"required,min=1,max=9999"`
	Title     string         `yaml:"title"`
	Questions []fileQuestion `yaml:"questions" validate:"dive"`
}

type fileQuestion struct {
	ID         int64        `yaml:"id" validate:"required,min=1"`
	Number     int          `yaml:"number" validate:"required,min=1,max=9999"`
	Type       string       `yaml:"type" validate:"required"`
	Text       string       `yaml:"text" validate:"required"`
	ShortLabel string       `yaml:"short_label"`
	Required   bool         `yaml:"required"`
	Options    []fileOption `yaml:"options" validate:"dive"`
}

type fileOption struct {
	Code string `yaml:"code" validate:"required"`
	Text string `yaml:"text" validate:"required"`
}

type fileLocator struct {
	Step     int `yaml:"step" validate:"min=0,max=9999"`
	Section  int `yaml:"section" validate:"min=0,max=9999"`
	Question int `yaml:"question" validate:"min=0,max=9999"`
}

type fileRelationship struct {
	ID         int64       `yaml:"id" validate:"required,min=1"`
	Upstream   fileLocator `yaml:"upstream"`
	Downstream fileLocator `yaml:"downstream"`
	Action     string      `yaml:"action" validate:"required"`
	Operator   string      `yaml:"operator" validate:"required"`
	Operand    string      `yaml:"operand"`
	Limit      int         `yaml:"limit" validate:"min=0,max=9999"`
}

type fileAction struct {
	ID   int64  `yaml:"id" validate:"required,min=1"`
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

// Decode reads one YAML survey definition and validates it.
func Decode(r io.Reader) (*models.Survey, error) {
	var f fileSurvey
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode survey definition: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("validate survey definition: %w", err)
	}
	sv, err := f.toModel()
	if err != nil {
		return nil, err
	}
	if err := Check(sv); err != nil {
		return nil, err
	}
	return sv, nil
}

// Load decodes the definition stored at path.
func Load(path string) (*models.Survey, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open survey definition: %w", err)
	}
	defer fh.Close()
	sv, err := Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sv, nil
}

// LoadDir decodes every *.yaml / *.yml file in dir, ordered by file name.
func LoadDir(dir string) ([]*models.Survey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]*models.Survey, 0, len(names))
	for _, name := range names {
		sv, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

func (f *fileSurvey) toModel() (*models.Survey, error) {
	sv := &models.Survey{ID: f.ID, Name: f.Name}
	for _, fs := range f.Steps {
		st := &models.Step{Number: fs.Number, Title: fs.Title}
		for _, fsec := range fs.Sections {
			sec := &models.Section{Number: fsec.Number, Title: fsec.Title}
			for _, fq := range fsec.Questions {
				qt, err := models.ParseQuestionType(fq.Type)
				if err != nil {
					return nil, fmt.Errorf("question %d: %w", fq.ID, err)
				}
				q := &models.Question{ID: fq.ID, Number: fq.Number, Type: qt, Text: fq.Text, ShortLabel: fq.ShortLabel, Required: fq.Required}
				for _, o := range fq.Options {
					q.Options = append(q.Options, models.Option{Code: o.Code, Text: o.Text})
				}
				sec.Questions = append(sec.Questions, q)
			}
			st.Sections = append(st.Sections, sec)
		}
		sv.Steps = append(sv.Steps, st)
	}
	for _, fr := range f.Relationships {
		action, err := models.ParseActionKind(fr.Action)
		if err != nil {
			return nil, fmt.Errorf("relationship %d: %w", fr.ID, err)
		}
		op, err := models.ParseOperatorKind(fr.Operator)
		if err != nil {
			return nil, fmt.Errorf("relationship %d: %w", fr.ID, err)
		}
		sv.Relationships = append(sv.Relationships, &models.Relationship{
			ID:         fr.ID,
			Upstream:   models.Locator(fr.Upstream),
			Downstream: models.Locator(fr.Downstream),
			Action:     action,
			Operator:   op,
			Operand:    fr.Operand,
			Limit:      fr.Limit,
		})
	}
	for _, fa := range f.Actions {
		sv.Actions = append(sv.Actions, &models.PostSurveyAction{ID: fa.ID, Name: fa.Name, URL: fa.URL})
	}
	return sv, nil
}

// Check verifies the structural rules of a decoded survey: unique numbering,
// key-width bounds, resolvable relationship locators, compatible
// action/operator pairs, a single governing relationship per downstream
// scope, and an acyclic dependency graph.
func Check(sv *models.Survey) error {
	if sv == nil {
		return fmt.Errorf("survey is nil")
	}
	if sv.ID < 1 || sv.ID > hkey.Max {
		return fmt.Errorf("survey id %d out of range 1-%d", sv.ID, hkey.Max)
	}
	scopes := map[models.Locator]bool{}
	questionIDs := map[int64]bool{}
	for _, st := range sv.Steps {
		sl := models.Locator{Step: st.Number}
		if err := checkNumber("step", st.Number, scopes[sl]); err != nil {
			return err
		}
		scopes[sl] = true
		for _, sec := range st.Sections {
			cl := models.Locator{Step: st.Number, Section: sec.Number}
			if err := checkNumber(fmt.Sprintf("step %d section", st.Number), sec.Number, scopes[cl]); err != nil {
				return err
			}
			scopes[cl] = true
			for _, q := range sec.Questions {
				ql := models.Locator{Step: st.Number, Section: sec.Number, Question: q.Number}
				if err := checkNumber(fmt.Sprintf("step %d section %d question", st.Number, sec.Number), q.Number, scopes[ql]); err != nil {
					return err
				}
				if questionIDs[q.ID] {
					return fmt.Errorf("duplicate question id %d", q.ID)
				}
				if (q.Type == models.QuestionSelect || q.Type == models.QuestionMultiSelect) && len(q.Options) == 0 {
					return fmt.Errorf("question %d: %s requires options", q.ID, q.Type)
				}
				scopes[ql] = true
				questionIDs[q.ID] = true
			}
		}
	}

	governed := map[models.Locator]int64{}
	for _, rel := range sv.Relationships {
		if rel.Upstream.Level() != models.LevelQuestion || !scopes[rel.Upstream] {
			return fmt.Errorf("relationship %d: upstream %+v is not a defined question", rel.ID, rel.Upstream)
		}
		if rel.Downstream.Level() == models.LevelNone || !scopes[rel.Downstream] {
			return fmt.Errorf("relationship %d: downstream %+v is not a defined scope", rel.ID, rel.Downstream)
		}
		switch rel.Action {
		case models.ActionRepeat:
			if rel.Operator != models.OperatorCount {
				return fmt.Errorf("relationship %d: repeat requires the count operator", rel.ID)
			}
		case models.ActionShow:
			if !rel.Operator.IsComparison() {
				return fmt.Errorf("relationship %d: show requires a comparison operator", rel.ID)
			}
		default:
			return fmt.Errorf("relationship %d: unknown action %v", rel.ID, rel.Action)
		}
		if rel.Downstream.Contains(rel.Upstream) {
			return fmt.Errorf("relationship %d: upstream lies inside its own downstream scope", rel.ID)
		}
		if other, ok := governed[rel.Downstream]; ok {
			return fmt.Errorf("relationship %d: downstream %+v already governed by relationship %d", rel.ID, rel.Downstream, other)
		}
		governed[rel.Downstream] = rel.ID
	}
	// Instance numbers are inherited only across levels the upstream and the
	// downstream share, so a repeated scope must enclose both or neither.
	for _, rel := range sv.Relationships {
		for _, rep := range sv.Relationships {
			if rep.Action != models.ActionRepeat {
				continue
			}
			d := rep.Downstream
			if d.Contains(rel.Upstream) && !d.Contains(rel.Downstream) {
				return fmt.Errorf("relationship %d: upstream is repeated by relationship %d but its downstream is not", rel.ID, rep.ID)
			}
			if d != rel.Downstream && d.Contains(rel.Downstream) && !d.Contains(rel.Upstream) {
				return fmt.Errorf("relationship %d: downstream is repeated by relationship %d but its upstream is not", rel.ID, rep.ID)
			}
		}
	}
	return checkAcyclic(sv)
}

func checkNumber(what string, n int, seen bool) error {
	if n < 1 || n > hkey.Max {
		return fmt.Errorf("%s number %d out of range 1-%d", what, n, hkey.Max)
	}
	if seen {
		return fmt.Errorf("duplicate %s number %d", what, n)
	}
	return nil
}

// checkAcyclic walks question -> downstream-question edges looking for a cycle.
func checkAcyclic(sv *models.Survey) error {
	var questions []models.Locator
	for _, st := range sv.Steps {
		for _, sec := range st.Sections {
			for _, q := range sec.Questions {
				questions = append(questions, models.Locator{Step: st.Number, Section: sec.Number, Question: q.Number})
			}
		}
	}
	edges := map[models.Locator][]models.Locator{}
	for _, rel := range sv.Relationships {
		for _, q := range questions {
			if rel.Downstream.Contains(q) {
				edges[rel.Upstream] = append(edges[rel.Upstream], q)
			}
		}
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[models.Locator]int{}
	var visit func(models.Locator) error
	visit = func(n models.Locator) error {
		switch state[n] {
		case visiting:
			return fmt.Errorf("relationship cycle through question %d/%d/%d", n.Step, n.Section, n.Question)
		case done:
			return nil
		}
		state[n] = visiting
		for _, next := range edges[n] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[n] = done
		return nil
	}
	for _, q := range questions {
		if err := visit(q); err != nil {
			return err
		}
	}
	return nil
}
