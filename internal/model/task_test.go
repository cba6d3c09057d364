package model

import "testing"

func TestMetadataMerge_PreservesAndOverlays(t *testing.T) {
	m := TaskMetadata{
		Topic:        "Tides",
		Duration:     30,
		StageTaskIDs: map[string]string{StepScriptGeneration: "remote-1"},
	}
	m.Merge(TaskMetadata{
		StageTaskIDs: map[string]string{StepVideoGeneration: "remote-2"},
		PlanFileID:   "file-1",
	})

	if m.Topic != "Tides" || m.Duration != 30 {
		t.Error("existing fields were clobbered")
	}
	if m.PlanFileID != "file-1" {
		t.Error("patched field missing")
	}
	if len(m.StageTaskIDs) != 2 {
		t.Fatalf("stage ids must accumulate, got %v", m.StageTaskIDs)
	}
	if m.StageTaskIDs[StepScriptGeneration] != "remote-1" || m.StageTaskIDs[StepVideoGeneration] != "remote-2" {
		t.Errorf("unexpected stage ids: %v", m.StageTaskIDs)
	}
}

func TestMetadataMerge_ZeroPatchIsNoOp(t *testing.T) {
	m := TaskMetadata{Topic: "Tides", Error: "old"}
	m.Merge(TaskMetadata{})
	if m.Topic != "Tides" || m.Error != "old" {
		t.Error("empty patch changed fields")
	}
}

func TestStatusTerminal(t *testing.T) {
	if TaskStatusPending.Terminal() || TaskStatusProcessing.Terminal() {
		t.Error("active statuses must not be terminal")
	}
	if !TaskStatusCompleted.Terminal() || !TaskStatusFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}

func TestEventTypeFor(t *testing.T) {
	if got := EventTypeFor(StepScriptGeneration, WSSuffixCompleted); got != "script_generation_completed" {
		t.Errorf("unexpected event type: %s", got)
	}
}

func TestViewOf_DownloadLinksGatedOnState(t *testing.T) {
	task := &Task{ID: "t1", Status: TaskStatusProcessing, Metadata: TaskMetadata{ArtifactPath: "/tmp/a.pptx"}}
	if v := ViewOf(task); v.DownloadURL != "" {
		t.Error("processing task must not expose a download url")
	}

	task.Status = TaskStatusCompleted
	if v := ViewOf(task); v.DownloadURL != "/api/v1/tasks/t1/download" {
		t.Errorf("unexpected download url: %s", ViewOf(task).DownloadURL)
	}

	task.Metadata.PlanPath = "/tmp/plan.md"
	if v := ViewOf(task); v.PlanURL != "/api/v1/tasks/t1/plan" {
		t.Errorf("unexpected plan url: %s", v.PlanURL)
	}
}
