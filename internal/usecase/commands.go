package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// handleCommand routes slash commands. Commands bypass the session state
// machine entirely and never enqueue.
func (a *Admission) handleCommand(ctx context.Context, user domain.User, msg domain.InboundMessage, text string) error {
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/start":
		return a.cmdStart(ctx, user, msg)
	case "/status":
		return a.cmdStatus(ctx, user, msg)
	case "/rules":
		return a.cmdRules(ctx, user, msg)
	case "/help":
		return a.reply(ctx, msg.ChatID, msgHelp)
	default:
		return a.reply(ctx, msg.ChatID, "Unknown command. "+msgHelp)
	}
}

func (a *Admission) cmdStart(ctx context.Context, user domain.User, msg domain.InboundMessage) error {
	activity := a.Content.Activity()
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to %s!\n", activity.Title)
	if !a.Gate.Enabled(activity) {
		b.WriteString(msgMaintenance)
		return a.reply(ctx, msg.ChatID, b.String())
	}

	levelID, err := a.Progress.CurrentLevel(ctx, user.ID, a.Content.MaxLevel())
	if err != nil {
		return fmt.Errorf("op=admission.cmdStart: %w", err)
	}
	if level, ok := a.Content.Level(levelID); ok {
		fmt.Fprintf(&b, "You are on level %d: %s\n%s", level.LevelID, level.Name, level.Prompt.IntroMessage)
	} else {
		b.WriteString(msgAllPassed)
	}
	return a.reply(ctx, msg.ChatID, b.String())
}

func (a *Admission) cmdStatus(ctx context.Context, user domain.User, msg domain.InboundMessage) error {
	progress, err := a.Progress.ListForUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("op=admission.cmdStatus: %w", err)
	}
	passed := make(map[int]domain.LevelProgress, len(progress))
	for _, p := range progress {
		passed[p.LevelID] = p
	}

	var b strings.Builder
	b.WriteString("Your progress:\n")
	for _, level := range a.Content.Levels() {
		if p, ok := passed[level.LevelID]; ok {
			fmt.Fprintf(&b, "Level %d %s — passed in %d turn(s)\n", level.LevelID, level.Name, p.TurnsUsed)
			continue
		}
		line := a.statusLine(ctx, user.ID, level)
		fmt.Fprintf(&b, "Level %d %s — %s\n", level.LevelID, level.Name, line)
		// Levels unlock in order; everything past the first unpassed one is
		// locked and not worth a storage roundtrip each.
		for _, rest := range a.Content.Levels() {
			if rest.LevelID > level.LevelID {
				fmt.Fprintf(&b, "Level %d %s — locked\n", rest.LevelID, rest.Name)
			}
		}
		break
	}
	return a.reply(ctx, msg.ChatID, b.String())
}

func (a *Admission) statusLine(ctx context.Context, userID string, level domain.Level) string {
	session, err := a.Sessions.Get(ctx, userID, level.LevelID)
	if err != nil {
		return "ready"
	}
	switch session.State {
	case domain.SessionInflight:
		return "attempt processing"
	case domain.SessionCooldown:
		if now := time.Now().UTC(); now.Before(session.CooldownUntil) {
			return fmt.Sprintf("cooling down (%s left)", session.CooldownUntil.Sub(now).Round(time.Second))
		}
		return fmt.Sprintf("ready (%d/%d turns used)", session.TurnIndex, level.Limits.MaxTurns)
	case domain.SessionFailedOut:
		return "no attempts left"
	default:
		if session.TurnIndex > 0 {
			return fmt.Sprintf("ready (%d/%d turns used)", session.TurnIndex, level.Limits.MaxTurns)
		}
		return "ready"
	}
}

func (a *Admission) cmdRules(ctx context.Context, user domain.User, msg domain.InboundMessage) error {
	levelID, err := a.Progress.CurrentLevel(ctx, user.ID, a.Content.MaxLevel())
	if err != nil {
		return fmt.Errorf("op=admission.cmdRules: %w", err)
	}
	level, ok := a.Content.Level(levelID)
	if !ok {
		return a.reply(ctx, msg.ChatID, msgAllPassed)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Level %d: %s\n%s\n", level.LevelID, level.Name, level.Prompt.IntroMessage)
	fmt.Fprintf(&b, "Limits: %d attempts, prompts up to %d characters", level.Limits.MaxTurns, level.Limits.MaxInputChars)
	if level.Limits.CooldownSecondsAfterFail > 0 {
		fmt.Fprintf(&b, ", %ds cooldown after a failed attempt", level.Limits.CooldownSecondsAfterFail)
	}
	return a.reply(ctx, msg.ChatID, b.String())
}
