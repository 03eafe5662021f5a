package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/ai/tokencount"
	obs "github.com/fairyhunter13/prompt-gauntlet/internal/adapter/observability"
	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
	ilog "github.com/fairyhunter13/prompt-gauntlet/internal/observability"
)

// Engine is the per-attempt orchestrator invoked by queue workers. It owns
// the LLM call, the grading, and the composite finalize transaction; the
// session guard inside FinalizeAttempt makes a replayed task a no-op.
type Engine struct {
	Sessions domain.SessionRepo
	Rewards  domain.RewardRepo
	Tasks    domain.TaskRepo
	Events   domain.EventRepo
	Finalize domain.FinalizeStore
	Content  domain.ContentProvider
	LLM      domain.LLM
	Grader   *Grader
	Channel  domain.Channel

	// RewardGate decides whether a pass dispenses a reward. Nil means the
	// reward window from the activity document decides alone.
	RewardGate *RewardGate
}

// ProcessTask runs one dequeued task to a terminal state.
func (e *Engine) ProcessTask(ctx context.Context, task domain.PendingTask) error {
	ctx = ilog.ContextWithTraceID(ctx, task.TraceID)
	log := ilog.LoggerFromContext(ctx).With(
		slog.String("trace_id", task.TraceID),
		slog.String("user_id", task.UserID),
		slog.Int("level_id", task.LevelID),
	)
	ctx = ilog.ContextWithLogger(ctx, log)

	session, err := e.Sessions.Get(ctx, task.UserID, task.LevelID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		// Transient storage failure. Keep the row so the task replays.
		return fmt.Errorf("op=engine.process_task: %w", err)
	}
	if err != nil || session.State != domain.SessionInflight ||
		session.InflightTaskID == nil || *session.InflightTaskID != task.ID {
		// Recovery path: the session no longer belongs to this task (already
		// finalized before a crash, or reset by an admin). Drop the row.
		log.Warn("task does not own its session, dropping", slog.String("task_id", task.ID))
		e.appendEvent(ctx, task, 0, domain.EventError, "orphaned task dropped")
		return e.Tasks.Delete(ctx, task.ID)
	}

	activity := e.Content.Activity()
	level, ok := e.Content.Level(task.LevelID)
	if !ok {
		log.Error("level missing from content", slog.Int("level_id", task.LevelID))
		e.appendEvent(ctx, task, session.TurnIndex, domain.EventError, "level missing from content")
		return e.transientFinalize(ctx, task, session, domain.Attempt{}, "level unavailable")
	}

	output, genErr := e.generate(ctx, task, session, activity, level)
	if genErr != nil {
		log.Warn("llm generate failed", slog.Any("error", genErr))
		attempt := e.buildAttempt(task, session, "", domain.GradeResult{
			JudgeVerdict: domain.JudgeError,
			JudgeReason:  fmt.Sprintf("generate failed: %v", genErr),
			Final:        domain.FinalFail,
		})
		obs.ObserveGrade(string(domain.JudgeError))
		return e.transientFinalize(ctx, task, session, attempt, msgSystemBusy)
	}

	grade := e.Grader.Grade(ctx, activity, level, task.UserPrompt, output)
	attempt := e.buildAttempt(task, session, output, grade)

	if grade.JudgeVerdict == domain.JudgeError {
		obs.ObserveGrade(string(domain.JudgeError))
		if activity.JudgeTimeoutStrategy != domain.JudgeCountAsFail {
			log.Warn("judge error, transient path", slog.String("reason", grade.JudgeReason))
			return e.transientFinalize(ctx, task, session, attempt, msgSystemBusy)
		}
		// count_as_fail: fall through to the counted FAIL path.
		log.Warn("judge error counted as fail", slog.String("reason", grade.JudgeReason))
	} else {
		obs.ObserveGrade(string(grade.Final))
	}

	if grade.Final == domain.FinalPass {
		return e.finalizePass(ctx, task, session, activity, level, attempt)
	}
	return e.finalizeFail(ctx, task, session, level, attempt)
}

// AbortTask is the fatal path: ERROR event, task row deleted, session back
// to READY so the user can retry. Invoked by the worker pool after a panic.
func (e *Engine) AbortTask(ctx context.Context, task domain.PendingTask, reason string) {
	e.appendEvent(ctx, task, 0, domain.EventError, "task aborted: "+reason)
	if err := e.Tasks.Delete(ctx, task.ID); err != nil {
		slog.Error("abort: task delete failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	session, err := e.Sessions.Get(ctx, task.UserID, task.LevelID)
	if err == nil && session.State == domain.SessionInflight &&
		session.InflightTaskID != nil && *session.InflightTaskID == task.ID {
		session.State = domain.SessionReady
		session.InflightTaskID = nil
		if err := e.Sessions.Upsert(ctx, session); err != nil {
			slog.Error("abort: session release failed", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}
	e.send(ctx, task.ChatID, msgSystemBusy)
}

func (e *Engine) generate(ctx context.Context, task domain.PendingTask, session domain.Session, activity domain.Activity, level domain.Level) (string, error) {
	timeout := time.Duration(activity.LLM.TimeoutSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := activity.GenerateModelFor(level)
	start := time.Now()
	output, err := e.LLM.Generate(callCtx, level.Prompt.SystemPrompt, task.UserPrompt, domain.CallOptions{
		Model:           model,
		MaxOutputTokens: activity.MaxOutputTokensFor(level),
	})
	latency := time.Since(start)

	tokens, cntErr := tokencount.Default.CountChat(level.Prompt.SystemPrompt, task.UserPrompt, model)
	if cntErr != nil {
		tokens = 0
	}
	e.appendEvent(ctx, task, session.TurnIndex, domain.EventLLMCall,
		fmt.Sprintf("op=generate model=%s latency_ms=%d prompt_tokens=%d err=%v",
			model, latency.Milliseconds(), tokens, err != nil))
	return output, err
}

func (e *Engine) buildAttempt(task domain.PendingTask, session domain.Session, output string, grade domain.GradeResult) domain.Attempt {
	return domain.Attempt{
		TraceID:      task.TraceID,
		UserID:       task.UserID,
		LevelID:      task.LevelID,
		TurnIndex:    session.TurnIndex,
		UserPrompt:   task.UserPrompt,
		LLMOutput:    output,
		KeywordPass:  grade.KeywordPass,
		JudgeVerdict: grade.JudgeVerdict,
		JudgeReason:  grade.JudgeReason,
		FinalVerdict: grade.Final,
	}
}

// transientFinalize commits the transient outcome: attempt recorded, no
// turn consumed, session back to READY, task deleted.
func (e *Engine) transientFinalize(ctx context.Context, task domain.PendingTask, session domain.Session, attempt domain.Attempt, userMsg string) error {
	if attempt.UserID == "" {
		attempt = e.buildAttempt(task, session, "", domain.GradeResult{
			JudgeVerdict: domain.JudgeError, JudgeReason: userMsg, Final: domain.FinalFail,
		})
	}
	next := session
	next.State = domain.SessionReady
	next.InflightTaskID = nil

	_, err := e.Finalize.FinalizeAttempt(ctx, domain.FinalizeParams{
		Attempt: attempt,
		Session: next,
		TaskID:  task.ID,
		Events: []domain.LogEvent{
			e.event(task, session.TurnIndex, domain.EventGrade, "transient: "+attempt.JudgeReason),
			e.event(task, session.TurnIndex, domain.EventSystemOut, userMsg),
		},
	})
	if e.replaySafe(ctx, task, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=engine.transient_finalize: %w", err)
	}
	e.send(ctx, task.ChatID, userMsg)
	return nil
}

func (e *Engine) finalizePass(ctx context.Context, task domain.PendingTask, session domain.Session, activity domain.Activity, level domain.Level, attempt domain.Attempt) error {
	turnsUsed := session.TurnIndex + 1
	next := session
	next.State = domain.SessionPassed
	next.TurnIndex = turnsUsed
	next.InflightTaskID = nil

	// Outside the reward window (or under an admin reward-off override) the
	// level still passes; the claim is simply skipped.
	rewardOpen := e.RewardGate.Open(activity, time.Now().UTC())
	var claim *domain.ClaimRequest
	if rewardOpen {
		claim = &domain.ClaimRequest{PoolID: level.RewardPoolID, UserID: task.UserID, LevelID: task.LevelID}
	}

	claimRes, err := e.Finalize.FinalizeAttempt(ctx, domain.FinalizeParams{
		Attempt:    attempt,
		Session:    next,
		TaskID:     task.ID,
		Claim:      claim,
		MarkPassed: true,
		TurnsUsed:  turnsUsed,
		Events: []domain.LogEvent{
			e.event(task, session.TurnIndex, domain.EventGrade, gradeContent(attempt)),
		},
	})
	if e.replaySafe(ctx, task, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=engine.finalize_pass: %w", err)
	}

	userMsg := e.passMessage(task, level, claimRes, rewardOpen)
	// The claim outcome only exists after commit, so its audit events land
	// right behind the transaction. Codes never enter event content.
	if claimRes != nil {
		obs.ObserveClaim(string(claimRes.Outcome))
		e.appendEvent(ctx, task, session.TurnIndex, domain.EventRewardClaim,
			fmt.Sprintf("outcome=%s item_id=%s", claimRes.Outcome, claimRes.ItemID))
	} else if !rewardOpen {
		obs.ObserveClaim(rewardClosedOutcome)
		e.appendEvent(ctx, task, session.TurnIndex, domain.EventRewardClaim, "outcome="+rewardClosedOutcome)
	}
	e.appendEvent(ctx, task, session.TurnIndex, domain.EventSystemOut, maskedPassContent(level, claimRes))
	e.send(ctx, task.ChatID, userMsg)

	if nextLevel, ok := e.Content.Level(task.LevelID + 1); ok {
		e.send(ctx, task.ChatID, nextLevel.Prompt.IntroMessage)
	}
	return nil
}

// rewardClosedOutcome labels a pass finalized while reward distribution is
// closed. No claim row exists for it.
const rewardClosedOutcome = "REWARD_CLOSED"

func (e *Engine) passMessage(task domain.PendingTask, level domain.Level, claimRes *domain.ClaimResult, rewardOpen bool) string {
	if !rewardOpen {
		return msgRewardClosed
	}
	if claimRes == nil {
		return msgAlreadyPassed
	}
	switch claimRes.Outcome {
	case domain.ClaimPoolExhausted:
		return msgPoolExhausted
	case domain.ClaimAlreadyClaimed:
		return msgAlreadyClaimedReminder(claimRes.Code)
	}
	pool, ok := e.Content.Pool(level.RewardPoolID)
	if !ok {
		// Pool vanished on a reload between grade and send; the claim is
		// committed, so surface the code without the template.
		return msgAlreadyClaimedReminder(claimRes.Code)
	}
	return renderTemplate(pool.SendMessageTemplate, map[string]string{
		"reward_code": claimRes.Code,
		"level_id":    strconv.Itoa(level.LevelID),
		"level_name":  level.Name,
		"username":    task.UserID,
	})
}

func (e *Engine) finalizeFail(ctx context.Context, task domain.PendingTask, session domain.Session, level domain.Level, attempt domain.Attempt) error {
	newTurn := session.TurnIndex + 1
	next := session
	next.TurnIndex = newTurn
	next.InflightTaskID = nil

	var userMsg string
	if newTurn >= level.Limits.MaxTurns {
		next.State = domain.SessionFailedOut
		userMsg = msgFailedOut
	} else {
		cooldown := time.Duration(level.Limits.CooldownSecondsAfterFail) * time.Second
		next.State = domain.SessionCooldown
		next.CooldownUntil = time.Now().UTC().Add(cooldown)
		userMsg = msgFailRetry(level.Limits.MaxTurns-newTurn, cooldown)
	}

	_, err := e.Finalize.FinalizeAttempt(ctx, domain.FinalizeParams{
		Attempt: attempt,
		Session: next,
		TaskID:  task.ID,
		Events: []domain.LogEvent{
			e.event(task, session.TurnIndex, domain.EventGrade, gradeContent(attempt)),
			e.event(task, session.TurnIndex, domain.EventSystemOut, userMsg),
		},
	})
	if e.replaySafe(ctx, task, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=engine.finalize_fail: %w", err)
	}
	e.send(ctx, task.ChatID, userMsg)
	return nil
}

// replaySafe recognizes the finalize guard miss: another run already
// finalized this task, so this run must produce no output. The row delete
// is retried here because the winning transaction already removed it only
// in the usual case; Delete is idempotent either way.
func (e *Engine) replaySafe(ctx context.Context, task domain.PendingTask, err error) bool {
	if !errors.Is(err, domain.ErrConflict) {
		return false
	}
	ilog.LoggerFromContext(ctx).Info("finalize guard miss, task already finalized", slog.String("task_id", task.ID))
	_ = e.Tasks.Delete(ctx, task.ID)
	return true
}

func (e *Engine) event(task domain.PendingTask, turn int, typ domain.EventType, content string) domain.LogEvent {
	return domain.LogEvent{
		TraceID:   task.TraceID,
		Type:      typ,
		UserID:    task.UserID,
		LevelID:   task.LevelID,
		TurnIndex: turn,
		Content:   content,
	}
}

func (e *Engine) appendEvent(ctx context.Context, task domain.PendingTask, turn int, typ domain.EventType, content string) {
	if err := e.Events.Append(ctx, e.event(task, turn, typ, content)); err != nil {
		ilog.LoggerFromContext(ctx).Error("event append failed", slog.Any("error", err))
	}
}

// send delivers an outbound message; failures are logged, never propagated,
// because the attempt state is already committed.
func (e *Engine) send(ctx context.Context, chatID, text string) {
	if err := e.Channel.Send(ctx, chatID, text); err != nil {
		ilog.LoggerFromContext(ctx).Error("outbound send failed", slog.String("chat_id", chatID), slog.Any("error", err))
	}
}

func gradeContent(a domain.Attempt) string {
	return fmt.Sprintf("keyword_pass=%t judge=%s final=%s reason=%s",
		a.KeywordPass, a.JudgeVerdict, a.FinalVerdict, a.JudgeReason)
}

// maskedPassContent is the SYSTEM_OUT audit content for a pass: the item id
// stands in for the code.
func maskedPassContent(level domain.Level, claimRes *domain.ClaimResult) string {
	if claimRes == nil {
		return fmt.Sprintf("pass level=%d", level.LevelID)
	}
	return fmt.Sprintf("pass level=%d claim=%s item_id=%s", level.LevelID, claimRes.Outcome, claimRes.ItemID)
}
