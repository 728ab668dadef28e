package services

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soaringjerry/surveyengine/internal/hkey"
	"github.com/soaringjerry/surveyengine/internal/models"
)

func readCSV(b []byte) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(string(b)))
	return r.ReadAll()
}

func TestExportAnswersCSV(t *testing.T) {
	rows := []ReportRow{
		{RespondentID: "R1", Key: "0001-0001-0001-0001-0001-0001-0001", QuestionID: 1, Label: "Household size", Value: "2", SavedAt: "2024-01-01T00:00:00Z"},
		{RespondentID: "R1", Key: "0001-0001-0001-0001-0001-0002-0001", QuestionID: 2, Label: "Name, first", Value: "Ann"},
	}
	b, err := ExportAnswersCSV(rows)
	if err != nil {
		t.Fatalf("export answers: %v", err)
	}
	recs, err := readCSV(b)
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(recs) != 1+len(rows) {
		t.Fatalf("want %d rows, got %d", 1+len(rows), len(recs))
	}
	if got := strings.Join(recs[0], ","); got != "respondent_id,key,question_id,label,value,saved_at" {
		t.Fatalf("bad header: %s", got)
	}
	if recs[2][3] != "Name, first" || recs[2][5] != "" {
		t.Fatalf("row 2 wrong: %v", recs[2])
	}
}

func TestReportRowsSkipTitlesAndDeleted(t *testing.T) {
	sv := &models.Survey{ID: 1, Steps: []*models.Step{{Number: 1, Sections: []*models.Section{{Number: 1, Questions: []*models.Question{
		{ID: 1, Number: 1, Type: models.QuestionInteger, Text: "How many?", ShortLabel: "Count"},
		{ID: 2, Number: 2, Type: models.QuestionText, Text: "Name"},
	}}}}}}
	snap := NewSnapshot(sv)
	saved := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	k := hkey.Key{Survey: 1, Step: 1, StepInstance: 1, Section: 1, SectionInstance: 1, Question: 1, QuestionInstance: 1}
	k2 := k
	k2.Question = 2
	answers := []*models.Answer{
		{RespondentID: "R1", Key: hkey.Key{Survey: 1, Step: 1, StepInstance: 1}, DisplayText: "Step"},
		{RespondentID: "R1", Key: k, QuestionID: 1, DisplayText: "How many?", TextValue: models.StringPtr("2"), SavedAt: &saved},
		{RespondentID: "R1", Key: k2, QuestionID: 2, DisplayText: "Name", Deleted: true},
	}
	rows := reportRows(snap, answers)
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if rows[0].Label != "Count" || rows[0].SavedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("row wrong: %+v", rows[0])
	}
}

func TestCSVReportSinkWritesFile(t *testing.T) {
	dir := t.TempDir()
	sink := CSVReportSink{Dir: filepath.Join(dir, "reports")}
	r := &models.Respondent{ID: "abc", SurveyID: 1}
	if err := sink.Handoff(context.Background(), r, []ReportRow{{RespondentID: "abc", Key: "k", QuestionID: 1}}); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "reports", "survey-0001-abc.csv"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	recs, err := readCSV(b)
	if err != nil || len(recs) != 2 {
		t.Fatalf("report content: %v %v", recs, err)
	}
}
