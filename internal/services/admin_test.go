package services_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/surveyengine/internal/models"
	"github.com/soaringjerry/surveyengine/internal/services"
)

func TestPublishReplacesCachedSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	snap, err := f.defs.Snapshot(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Main", snap.Section(models.Locator{Step: 1, Section: 1}).Title)

	edited := repeatSurvey(t)
	edited.Steps[0].Sections[0].Title = "Renamed"
	require.NoError(t, f.svc.Publish(ctx, edited))

	snap, err = f.defs.Snapshot(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", snap.Section(models.Locator{Step: 1, Section: 1}).Title)

	err = f.svc.Publish(ctx, &models.Survey{})
	se, ok := services.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, services.ErrorInvalid, se.Code)
}

func TestExportCSVListsLiveAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 3)
	count := f.start(t, rid).Answers[0]
	f.save(t, rid, count.ID, "2")
	f.save(t, rid, count.ID, "1")

	b, err := f.svc.ExportCSV(ctx, rid)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	// header, the count and the one surviving name
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "r1,0003-0001-0001-0001-0001-0001-0001,1,How many?,1,"))

	_, err = f.svc.ExportCSV(ctx, "nobody")
	se, ok := services.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, services.ErrorNotFound, se.Code)
}

func TestPurgeRemovesSoftDeletedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repeatSurvey(t), services.RegrowRestore)
	rid := f.respondent(t, "r1", 3)
	count := f.start(t, rid).Answers[0]
	f.save(t, rid, count.ID, "3")
	f.save(t, rid, count.ID, "1")

	n, err := f.svc.Purge(ctx, rid)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Len(t, f.rowsOf(t, rid, 2), 1)

	results, err := f.svc.ActionResults(ctx, rid)
	require.NoError(t, err)
	assert.Empty(t, results)
}
