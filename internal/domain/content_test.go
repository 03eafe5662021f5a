package domain

import (
	"testing"
	"time"
)

func testActivity() Activity {
	return Activity{
		ActivityID: "act-1",
		Title:      "Prompt Gauntlet",
		Enabled:    true,
		StartAt:    time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		LLM: LLMSettings{
			Provider:               "openai",
			Model:                  "gpt-4o-mini",
			TimeoutSeconds:         30,
			DefaultMaxOutputTokens: 256,
		},
	}
}

func TestGenerateModelFor(t *testing.T) {
	a := testActivity()

	lvl := Level{LevelID: 1}
	if got := a.GenerateModelFor(lvl); got != "gpt-4o-mini" {
		t.Errorf("expected activity model, got %q", got)
	}

	lvl.GenerateModel = "gpt-4o"
	if got := a.GenerateModelFor(lvl); got != "gpt-4o" {
		t.Errorf("expected level override, got %q", got)
	}
}

func TestJudgeModelFor(t *testing.T) {
	a := testActivity()

	lvl := Level{LevelID: 1}
	if got := a.JudgeModelFor(lvl); got != "gpt-4o-mini" {
		t.Errorf("expected activity model, got %q", got)
	}

	lvl.Grading.Judge.Model = "gpt-4o"
	if got := a.JudgeModelFor(lvl); got != "gpt-4o" {
		t.Errorf("expected judge override, got %q", got)
	}
}

func TestMaxOutputTokensFor(t *testing.T) {
	a := testActivity()

	lvl := Level{LevelID: 1}
	if got := a.MaxOutputTokensFor(lvl); got != 256 {
		t.Errorf("expected default budget, got %d", got)
	}

	lvl.Limits.MaxOutputTokens = 512
	if got := a.MaxOutputTokensFor(lvl); got != 512 {
		t.Errorf("expected level budget, got %d", got)
	}
}

func TestRewardWindowFallback(t *testing.T) {
	a := testActivity()

	start, end := a.RewardWindow()
	if !start.Equal(a.StartAt) || !end.Equal(a.EndAt) {
		t.Errorf("expected activity window fallback, got %v..%v", start, end)
	}

	rs := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	re := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	a.RewardStartAt = &rs
	a.RewardEndAt = &re

	start, end = a.RewardWindow()
	if !start.Equal(rs) || !end.Equal(re) {
		t.Errorf("expected reward window override, got %v..%v", start, end)
	}
}
