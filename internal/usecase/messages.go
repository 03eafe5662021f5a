package usecase

import (
	"fmt"
	"strings"
	"time"
)

// Fixed user-facing texts. Reward pass messages come from the pool's
// send_message_template in content config; everything else is here so the
// admission front and the engine speak with one voice.
const (
	msgBanned          = "You have been banned from this activity. Contact the organizers if you believe this is a mistake."
	msgMaintenance     = "The activity is temporarily closed for maintenance. Please come back later."
	msgNotStarted      = "The activity has not started yet. Stay tuned!"
	msgEnded           = "The activity has ended. Thanks for playing!"
	msgAllPassed       = "You have cleared every level. Congratulations, champion!"
	msgEmptyInput      = "Please send a non-empty text prompt."
	msgStillProcessing = "Your previous submission is still processing. Hang tight."
	msgAlreadyPassed   = "You already passed this level."
	msgFailedOut       = "No attempts left on this level. Thanks for playing!"
	msgQueueFull       = "Too many submissions right now, please try again in a moment."
	msgSystemBusy      = "The system is busy, your attempt was not counted. Please try again."
	msgPoolExhausted   = "You passed, but all rewards for this level have been claimed. Well played regardless!"
	msgRewardClosed    = "You passed! Reward distribution is closed right now, so no code this time. Congratulations!"
	msgLevelClosed     = "This level is temporarily closed. Please come back later."
	msgHelp            = "Send a text prompt to attempt the current level. Commands: /start — welcome and current level, /status — your progress, /rules — current level rules, /help — this text."
)

func msgTooLong(maxChars int) string {
	return fmt.Sprintf("Your prompt is too long (max %d characters).", maxChars)
}

func msgTooManyLines(maxLines int) string {
	return fmt.Sprintf("Your prompt has too many lines (max %d).", maxLines)
}

func msgRepeatRun(maxRun int) string {
	return fmt.Sprintf("Your prompt repeats one character too often (max run %d).", maxRun)
}

func msgCooldown(until time.Time, now time.Time) string {
	wait := until.Sub(now).Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return fmt.Sprintf("Cooling down. Try again in %s.", wait)
}

func msgQueued(ahead int) string {
	if ahead <= 0 {
		return "Queued! Your attempt is up next."
	}
	return fmt.Sprintf("Queued! About %d attempts ahead of yours.", ahead)
}

func msgFailRetry(remaining int, cooldown time.Duration) string {
	return fmt.Sprintf("Not this time. %d attempts remaining; next attempt in %s.", remaining, cooldown.Round(time.Second))
}

func msgAlreadyClaimedReminder(code string) string {
	return fmt.Sprintf("You already passed this level. Your reward code: %s", code)
}

// renderTemplate substitutes {placeholder} variables in content-config
// message templates. Unknown placeholders are left as-is.
func renderTemplate(tmpl string, vars map[string]string) string {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", v)
	}
	return tmpl
}
