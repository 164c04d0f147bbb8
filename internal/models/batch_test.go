package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchJobProgressIsDerived(t *testing.T) {
	job := &BatchJob{Total: 4, Status: JobProcessing}
	assert.Equal(t, 0.0, job.Progress())

	job.Completed = 2
	job.Failed = 1
	assert.Equal(t, 75.0, job.Progress())

	job.Completed = 3
	assert.Equal(t, 100.0, job.Progress())
}

func TestEmptyTerminalJobReportsFullProgress(t *testing.T) {
	job := &BatchJob{Status: JobFailed}
	assert.Equal(t, 100.0, job.Progress())
}

func TestSnapshotDoesNotAliasJob(t *testing.T) {
	job := &BatchJob{
		ID:         "j",
		Total:      1,
		Status:     JobProcessing,
		Results:    []ItemResult{{Index: 0, Status: ItemCompleted}},
		Statistics: &BatchStatistics{SuccessRate: 1},
	}
	snap := job.Snapshot()

	job.Results[0].Status = ItemFailed
	job.Statistics.SuccessRate = 0

	assert.Equal(t, ItemCompleted, snap.Results[0].Status)
	assert.Equal(t, 1.0, snap.Statistics.SuccessRate)
}

func TestEvents(t *testing.T) {
	snap := &BatchJobSnapshot{JobID: "j", Total: 2, Completed: 2, Percent: 100, Status: JobCompleted,
		Statistics: &BatchStatistics{SuccessRate: 1}}

	assert.Nil(t, NewProgressEvent(snap).Statistics)
	done := NewCompletionEvent(snap)
	assert.Equal(t, EventCompleted, done.Type)
	assert.NotNil(t, done.Statistics)

	failed := NewErrorEvent("j", "u", errors.New("no valid input files"))
	assert.Equal(t, JobFailed, failed.Status)
	assert.Equal(t, "no valid input files", failed.Error)
}

func TestSettingsDefaults(t *testing.T) {
	s := RecognitionSettings{}.WithDefaults("eng")
	assert.Equal(t, "eng", s.Language)
	assert.Equal(t, "deu", RecognitionSettings{Language: "deu"}.WithDefaults("eng").Language)
}
