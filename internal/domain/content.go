package domain

import "time"

// Content document types. These mirror the three JSON/YAML documents the
// content provider loads: activity, levels, rewards. Field names follow the
// document schema (snake_case keys).

// Activity is the top-level activity document.
type Activity struct {
	ActivityID string    `json:"activity_id" yaml:"activity_id" validate:"required"`
	Title      string    `json:"title" yaml:"title"`
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	StartAt    time.Time `json:"start_at" yaml:"start_at" validate:"required"`
	EndAt      time.Time `json:"end_at" yaml:"end_at" validate:"required"`
	Timezone   string    `json:"timezone" yaml:"timezone"`

	Channel      ChannelInfo  `json:"channel" yaml:"channel"`
	GlobalLimits GlobalLimits `json:"global_limits" yaml:"global_limits"`
	LLM          LLMSettings  `json:"llm" yaml:"llm"`

	// JudgeTimeoutStrategy decides whether a judge-side failure consumes a
	// turn: "fail_no_count" (default) or "count_as_fail".
	JudgeTimeoutStrategy string `json:"judge_timeout_strategy" yaml:"judge_timeout_strategy" validate:"omitempty,oneof=fail_no_count count_as_fail"`

	// Reward window. Nil bounds fall back to the activity window.
	RewardStartAt *time.Time `json:"reward_start_at" yaml:"reward_start_at"`
	RewardEndAt   *time.Time `json:"reward_end_at" yaml:"reward_end_at"`
}

type ChannelInfo struct {
	Name           string `json:"name" yaml:"name"`
	BotDisplayName string `json:"bot_display_name" yaml:"bot_display_name"`
}

type GlobalLimits struct {
	MaxInflightPerUser int `json:"max_inflight_per_user" yaml:"max_inflight_per_user" validate:"omitempty,eq=1"`
	QueueMaxLength     int `json:"queue_max_length" yaml:"queue_max_length" validate:"required,gt=0"`
	WorkerConcurrency  int `json:"worker_concurrency" yaml:"worker_concurrency" validate:"required,gt=0"`
}

type LLMSettings struct {
	Provider               string `json:"provider" yaml:"provider"`
	Model                  string `json:"model" yaml:"model" validate:"required"`
	TimeoutSeconds         int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"required,gt=0"`
	DefaultMaxOutputTokens int    `json:"default_max_output_tokens" yaml:"default_max_output_tokens" validate:"required,gt=0"`
}

// Level is one ordered challenge.
type Level struct {
	LevelID int    `json:"level_id" yaml:"level_id" validate:"required,gt=0"`
	Name    string `json:"name" yaml:"name" validate:"required"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	Prompt  LevelPrompt  `json:"prompt" yaml:"prompt"`
	Limits  LevelLimits  `json:"limits" yaml:"limits"`
	Grading LevelGrading `json:"grading" yaml:"grading"`

	RewardPoolID string `json:"reward_pool_id" yaml:"reward_pool_id" validate:"required"`

	// GenerateModel overrides the activity-level model for this level.
	GenerateModel string `json:"generate_model" yaml:"generate_model"`
}

type LevelPrompt struct {
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt" validate:"required"`
	IntroMessage string `json:"intro_message" yaml:"intro_message" validate:"required"`
}

type LevelLimits struct {
	MaxInputChars            int `json:"max_input_chars" yaml:"max_input_chars" validate:"required,gt=0"`
	MaxTurns                 int `json:"max_turns" yaml:"max_turns" validate:"required,gt=0"`
	CooldownSecondsAfterFail int `json:"cooldown_seconds_after_fail" yaml:"cooldown_seconds_after_fail" validate:"gte=0"`
	MaxOutputTokens          int `json:"max_output_tokens" yaml:"max_output_tokens" validate:"required,gt=0"`
}

type LevelGrading struct {
	Keyword KeywordGrading `json:"keyword" yaml:"keyword"`
	Judge   JudgeGrading   `json:"judge" yaml:"judge"`
}

// Judge failure strategies. fail_no_count treats a judge-side failure as
// transient (no turn consumed); count_as_fail charges the turn.
const (
	JudgeFailNoCount = "fail_no_count"
	JudgeCountAsFail = "count_as_fail"
)

// Match policies for the keyword stage. Per-level, no global default.
const (
	MatchExactSubstring           = "exact_substring"
	MatchCaseInsensitiveSubstring = "case_insensitive_substring"
	MatchRegex                    = "regex"
)

type KeywordGrading struct {
	TargetPhrase string `json:"target_phrase" yaml:"target_phrase" validate:"required"`
	MatchPolicy  string `json:"match_policy" yaml:"match_policy" validate:"required,oneof=exact_substring case_insensitive_substring regex"`
}

type JudgeGrading struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Model   string `json:"model" yaml:"model"`
	Policy  string `json:"policy" yaml:"policy"`
}

// RewardPool is one pool of interchangeable reward items.
type RewardPool struct {
	PoolID              string           `json:"pool_id" yaml:"pool_id" validate:"required"`
	Name                string           `json:"name" yaml:"name"`
	Enabled             bool             `json:"enabled" yaml:"enabled"`
	SendMessageTemplate string           `json:"send_message_template" yaml:"send_message_template" validate:"required"`
	Items               []RewardItemSpec `json:"items" yaml:"items" validate:"required,min=1,dive"`
}

type RewardItemSpec struct {
	ItemID           string     `json:"item_id" yaml:"item_id" validate:"required"`
	Kind             RewardKind `json:"kind" yaml:"kind" validate:"required,oneof=ALIPAY_CODE JD_ECARD"`
	Code             string     `json:"code" yaml:"code" validate:"required"`
	MaxClaimsPerItem int        `json:"max_claims_per_item" yaml:"max_claims_per_item" validate:"required,gte=1"`
}

// GenerateModelFor returns the effective generation model for a level.
func (a Activity) GenerateModelFor(l Level) string {
	if l.GenerateModel != "" {
		return l.GenerateModel
	}
	return a.LLM.Model
}

// JudgeModelFor returns the effective judge model for a level.
func (a Activity) JudgeModelFor(l Level) string {
	if l.Grading.Judge.Model != "" {
		return l.Grading.Judge.Model
	}
	return a.LLM.Model
}

// MaxOutputTokensFor returns the effective output budget for a level.
func (a Activity) MaxOutputTokensFor(l Level) int {
	if l.Limits.MaxOutputTokens > 0 {
		return l.Limits.MaxOutputTokens
	}
	return a.LLM.DefaultMaxOutputTokens
}

// RewardWindow returns the effective reward window, falling back to the
// activity window for unset bounds.
func (a Activity) RewardWindow() (time.Time, time.Time) {
	start, end := a.StartAt, a.EndAt
	if a.RewardStartAt != nil {
		start = *a.RewardStartAt
	}
	if a.RewardEndAt != nil {
		end = *a.RewardEndAt
	}
	return start, end
}
