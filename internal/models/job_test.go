package models

import (
	"strings"
	"testing"
	"time"
)

func TestBackoffDelayFor(t *testing.T) {
	fixed := Backoff{Type: BackoffFixed, Delay: 60 * time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		if d := fixed.DelayFor(attempt); d != 60*time.Second {
			t.Fatalf("fixed attempt %d: got %s", attempt, d)
		}
	}

	exp := Backoff{Type: BackoffExponential, Delay: 10 * time.Second, Cap: 5 * time.Minute}
	cases := map[int]time.Duration{
		1: 10 * time.Second,
		2: 20 * time.Second,
		3: 40 * time.Second,
		4: 80 * time.Second,
		8: 5 * time.Minute, // capped
	}
	for attempt, want := range cases {
		if d := exp.DelayFor(attempt); d != want {
			t.Fatalf("exponential attempt %d: got %s want %s", attempt, d, want)
		}
	}
}

func TestValidateSceneConfig(t *testing.T) {
	valid := []SceneConfigEntry{
		{SceneIndex: 0, UseOriginal: true, StartTime: 0, EndTime: 2},
		{SceneIndex: 1, GenerationID: "g1", StartTime: 2, EndTime: 4},
	}
	if err := ValidateSceneConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	dup := []SceneConfigEntry{
		{SceneIndex: 0, UseOriginal: true, StartTime: 0, EndTime: 2},
		{SceneIndex: 0, GenerationID: "g1", StartTime: 2, EndTime: 4},
	}
	if err := ValidateSceneConfig(dup); err == nil {
		t.Fatalf("duplicate scene index must be rejected")
	} else if !strings.Contains(err.Error(), "scene 0") {
		t.Fatalf("error must name the offending scene index, got %q", err.Error())
	}

	missingGen := []SceneConfigEntry{{SceneIndex: 3, StartTime: 0, EndTime: 2}}
	if err := ValidateSceneConfig(missingGen); err == nil {
		t.Fatalf("non-original entry without generationId must be rejected")
	} else if !strings.Contains(err.Error(), "scene 3") {
		t.Fatalf("error must name the offending scene index, got %q", err.Error())
	}

	emptyWindow := []SceneConfigEntry{{SceneIndex: 0, UseOriginal: true, StartTime: 2, EndTime: 2}}
	if err := ValidateSceneConfig(emptyWindow); err == nil {
		t.Fatalf("empty time window must be rejected")
	}

	if err := ValidateSceneConfig(nil); err == nil {
		t.Fatalf("empty config must be rejected")
	}
}
