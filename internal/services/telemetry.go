package services

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("surveyengine.services")

var (
	saveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_answer_saves_total",
		Help: "Answer saves by result",
	}, []string{"result"})

	cascadeRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_cascade_rows_total",
		Help: "Rows touched by downstream cascades by change",
	}, []string{"change"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "survey_answer_save_duration_seconds",
		Help:    "Answer save duration including its cascade",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	finalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_finalize_total",
		Help: "Finalize calls by result",
	}, []string{"result"})

	notifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_notifications_total",
		Help: "Post-survey notifications by recorded status",
	}, []string{"status"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_transient_retries_total",
		Help: "Retries of writes that hit a transient storage error",
	}, []string{"op"})

	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "survey_tokens_issued_total",
		Help: "Respondent tokens issued",
	})
)

func recordCascade(s CascadeStats) {
	cascadeRows.WithLabelValues("created").Add(float64(s.Created))
	cascadeRows.WithLabelValues("restored").Add(float64(s.Restored))
	cascadeRows.WithLabelValues("deleted").Add(float64(s.Deleted))
}

func startSpan(ctx context.Context, name, respondentID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("survey.respondent_id", respondentID)))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
