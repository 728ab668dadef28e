package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/soaringjerry/surveyengine/internal/models"
)

// ReportRow is one answered slot of a finalized respondent.
type ReportRow struct {
	RespondentID string
	Key          string
	QuestionID   int64
	Label        string
	Value        string
	SavedAt      string // RFC 3339, empty when never saved
}

// ReportSink receives the purged answer tree of a finalized respondent.
type ReportSink interface {
	Handoff(ctx context.Context, respondent *models.Respondent, rows []ReportRow) error
}

// NopReportSink drops every hand-off.
type NopReportSink struct{}

func (NopReportSink) Handoff(context.Context, *models.Respondent, []ReportRow) error { return nil }

// CSVReportSink writes one long-format CSV per respondent into Dir.
type CSVReportSink struct {
	Dir string
}

func (s CSVReportSink) Handoff(_ context.Context, respondent *models.Respondent, rows []ReportRow) error {
	b, err := ExportAnswersCSV(rows)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	name := fmt.Sprintf("survey-%04d-%s.csv", respondent.SurveyID, respondent.ID)
	tmp := filepath.Join(s.Dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.Dir, name))
}

// ExportAnswersCSV renders rows into a long-format CSV.
func ExportAnswersCSV(rows []ReportRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"respondent_id", "key", "question_id", "label", "value", "saved_at"})
	for _, r := range rows {
		rec := []string{
			r.RespondentID,
			r.Key,
			strconv.FormatInt(r.QuestionID, 10),
			r.Label,
			r.Value,
			r.SavedAt,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// reportRows lists the non-deleted question rows of answers in key order.
func reportRows(snap *Snapshot, answers []*models.Answer) []ReportRow {
	var out []ReportRow
	for _, a := range answers {
		if a.Deleted || a.QuestionID == 0 {
			continue
		}
		row := ReportRow{RespondentID: a.RespondentID, Key: a.Key.String(), QuestionID: a.QuestionID, Label: a.DisplayText, Value: a.Value()}
		if q, _, ok := snap.Question(a.QuestionID); ok && q.ShortLabel != "" {
			row.Label = q.ShortLabel
		}
		if a.SavedAt != nil {
			row.SavedAt = a.SavedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, row)
	}
	return out
}
