package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceIDRoundTrip(t *testing.T) {
	id := NewUploadID()
	assert.True(t, id.Valid())
	assert.Equal(t, UploadResourceKind, id.Kind())

	parsed, err := ParseResourceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id.ResourceID, parsed)

	_, err = ParseResourceID("not-an-id")
	assert.Error(t, err)
}

func TestTimeStorageRoundTrip(t *testing.T) {
	now := NewTime(time.Date(2024, 3, 10, 14, 30, 0, 123456789, time.UTC))

	value, err := now.Value()
	require.NoError(t, err)

	var scanned Time
	require.NoError(t, scanned.Scan(value))
	assert.True(t, now.Equal(scanned.Time))
}

func TestUploadPublishInvariant(t *testing.T) {
	now := NewTime(time.Now())
	upload := NewUpload(now, "grades.csv", "science", ProcessModeTransform, nil)
	require.NoError(t, upload.Validate())

	// Artifacts without published status must fail validation
	csv := "a,b\n1,2\n"
	upload.ReportCSV = &csv
	upload.ReportPDF = []byte{0x25, 0x50}
	assert.Error(t, upload.Validate())

	upload.SetPublished(now, csv, []byte{0x25, 0x50})
	require.NoError(t, upload.Validate())
	assert.True(t, upload.HasReports())

	upload.Status = UploadStatusFailed
	upload.ClearReportArtifacts()
	require.NoError(t, upload.Validate())
	assert.False(t, upload.HasReports())
}

func TestJobRunStepLifecycle(t *testing.T) {
	start := NewTime(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	run := NewJobRun(start, NewJobID(), nil)
	run.Start(start)

	idx := run.AppendStep(StageStandardize, start)
	stepEnd := NewTime(start.Add(2 * time.Second))
	run.FinishStep(idx, StepStatusSuccess, stepEnd, "parsed 3 rows")

	end := NewTime(start.Add(5 * time.Second))
	run.Finalize(RunStatusSuccess, 0, end)

	require.NoError(t, run.Validate())
	require.NotNil(t, run.DurationMillis)
	assert.Equal(t, int64(5000), *run.DurationMillis)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, StepStatusSuccess, run.Steps[0].Status)
	assert.Equal(t, "parsed 3 rows", run.Steps[0].Logs)
}

func TestStepRecordsStorageRoundTrip(t *testing.T) {
	now := NewTime(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	steps := StepRecords{
		{Name: StageStandardize, Status: StepStatusSuccess, StartedAt: now, FinishedAt: &now},
		{Name: StageValidate, Status: StepStatusRunning, StartedAt: now},
	}

	value, err := steps.Value()
	require.NoError(t, err)

	var scanned StepRecords
	require.NoError(t, scanned.Scan(value))
	require.Len(t, scanned, 2)
	assert.Equal(t, StageValidate, scanned[1].Name)
	assert.Nil(t, scanned[1].FinishedAt)
}

func TestIncidentInvariants(t *testing.T) {
	now := NewTime(time.Now())
	incident := NewIncident(now, NewUploadID(), nil, StageValidate, "Missing required column: score")
	require.NoError(t, incident.Validate())

	// is_known without a matched known error must fail
	incident.IsKnown = true
	assert.Error(t, incident.Validate())

	known := NewKnownError(now, "missing-column", `(?i)missing required column`, SeverityMedium, CategoryValidation)
	known.AutoRetry = true
	known.MaxAutoRetries = 2
	require.NoError(t, known.Validate())

	incident.ApplyKnownError(known)
	require.NoError(t, incident.Validate())
	assert.Equal(t, 2, incident.MaxAutoRetries)

	incident.AutoRetryCount = 3
	assert.Error(t, incident.Validate())
	incident.AutoRetryCount = 2

	// Resolved state requires resolved_at and vice versa
	incident.State = IncidentStateResolved
	assert.Error(t, incident.Validate())
	incident.ResolvedAt = &now
	require.NoError(t, incident.Validate())
}

func TestIncidentTimelineAppendOnly(t *testing.T) {
	base := NewTime(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	incident := NewIncident(base, NewUploadID(), nil, StageStandardize, "No table found in PDF pages")

	incident.AppendEvent(base, "engine", TimelineEventCreated, "")
	incident.AppendEvent(NewTime(base.Add(time.Minute)), "engine", TimelineEventAutoRetryScheduled, "attempt 1")
	incident.AppendEvent(NewTime(base.Add(2*time.Minute)), "engine", TimelineEventAutoResolved, "")

	require.Len(t, incident.Timeline, 3)
	for i := 1; i < len(incident.Timeline); i++ {
		assert.False(t, incident.Timeline[i].Timestamp.Before(incident.Timeline[i-1].Timestamp.Time))
	}

	value, err := incident.Timeline.Value()
	require.NoError(t, err)
	var scanned Timeline
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, TimelineEventAutoResolved, scanned[2].Event)
}

func TestJobConfigStorageRoundTrip(t *testing.T) {
	config := JobConfig{
		Callable: "pipeline.process_upload",
		Args:     []interface{}{"upload:abc"},
		Kwargs:   map[string]interface{}{"force": true},
	}

	value, err := config.Value()
	require.NoError(t, err)

	var scanned JobConfig
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, "pipeline.process_upload", scanned.Callable)
	assert.Equal(t, true, scanned.Kwargs["force"])
}

func TestKnownErrorRejectsBadRegex(t *testing.T) {
	now := NewTime(time.Now())
	known := NewKnownError(now, "bad", `([unclosed`, SeverityLow, CategoryIngest)
	assert.Error(t, known.Validate())
}

func TestDatasetColumnUnion(t *testing.T) {
	d := NewDataset([]string{"student_id", "score"})
	d.AppendRow([]string{"S1", "88"})
	d.AppendRow([]string{"S2"})

	idx := d.AddColumn("status")
	assert.Equal(t, 2, idx)
	assert.Equal(t, "", d.Rows[0][idx])

	clone := d.Clone()
	clone.Rows[0][0] = "changed"
	assert.Equal(t, "S1", d.Rows[0][0])
}

func TestResourceIDJSON(t *testing.T) {
	id := NewJobID()
	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded JobID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
}
