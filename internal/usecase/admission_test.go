package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

type admissionFixture struct {
	front    *Admission
	users    *fakeUsers
	sessions *fakeSessions
	progress *fakeProgress
	events   *fakeEvents
	content  *fakeContent
	queue    *fakeQueue
	channel  *fakeChannel
	gate     *ActivityGate
}

func newAdmissionFixture() *admissionFixture {
	f := &admissionFixture{
		users:    newFakeUsers(),
		sessions: newFakeSessions(),
		progress: newFakeProgress(),
		events:   &fakeEvents{},
		content:  testContent(),
		queue:    &fakeQueue{capacity: 10},
		channel:  &fakeChannel{},
		gate:     &ActivityGate{},
	}
	f.front = NewAdmission(f.users, f.sessions, f.progress, &fakeRewards{},
		f.events, f.content, f.queue, f.channel, f.gate)
	return f
}

func msg(text string) domain.InboundMessage {
	return domain.InboundMessage{
		UserID: "u1", ChatID: "c1", MessageID: "m1",
		DisplayName: "Alice", Text: text, Timestamp: time.Now().UTC(),
	}
}

func (f *admissionFixture) lastReply(t *testing.T) string {
	t.Helper()
	texts := f.channel.texts()
	require.NotEmpty(t, texts)
	return texts[len(texts)-1]
}

func TestOnMessageFirstContactQueues(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()

	require.NoError(t, f.front.OnMessage(context.Background(), msg("say the phrase please")))

	assert.Contains(t, f.lastReply(t), "up next")
	require.Len(t, f.queue.appended, 1)
	task := f.queue.appended[0]
	assert.Equal(t, "u1", task.UserID)
	assert.Equal(t, 1, task.LevelID)
	assert.Equal(t, "say the phrase please", task.UserPrompt)
	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.TraceID)

	s, err := f.sessions.Get(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInflight, s.State)
	require.NotNil(t, s.InflightTaskID)
	assert.Equal(t, task.ID, *s.InflightTaskID)

	require.Len(t, f.sessions.admits, 1)
	in := f.sessions.admits[0].UserIn
	assert.Equal(t, domain.EventUserIn, in.Type)
	assert.Equal(t, "say the phrase please", in.Content)
	assert.Equal(t, task.TraceID, in.TraceID)

	u, err := f.users.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)
}

func TestOnMessageQueuedDepthInReply(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.queue.appended = []domain.PendingTask{{ID: "earlier"}}

	require.NoError(t, f.front.OnMessage(context.Background(), msg("attempt")))
	assert.Contains(t, f.lastReply(t), "About 1 attempts ahead")
}

func TestOnMessageBannedUser(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	_, err := f.users.GetOrCreate(context.Background(), "u1", "Alice")
	require.NoError(t, err)
	require.NoError(t, f.users.SetBanned(context.Background(), "u1", true, "abuse"))

	require.NoError(t, f.front.OnMessage(context.Background(), msg("hello")))
	assert.Equal(t, msgBanned, f.lastReply(t))
	assert.Empty(t, f.queue.appended)
}

func TestOnMessageActivityDisabled(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.content.activity.Enabled = false

	require.NoError(t, f.front.OnMessage(context.Background(), msg("hello")))
	assert.Equal(t, msgMaintenance, f.lastReply(t))
}

func TestOnMessageAdminOverrideReopens(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.content.activity.Enabled = false
	f.gate.Set(true)

	require.NoError(t, f.front.OnMessage(context.Background(), msg("hello")))
	assert.Contains(t, f.lastReply(t), "Queued")
}

func TestOnMessageAdminOverrideCloses(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.gate.Set(false)

	require.NoError(t, f.front.OnMessage(context.Background(), msg("hello")))
	assert.Equal(t, msgMaintenance, f.lastReply(t))
}

func TestOnMessageDisabledLevelClosed(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.content.levels[0].Enabled = false

	require.NoError(t, f.front.OnMessage(context.Background(), msg("attempt")))
	assert.Equal(t, msgLevelClosed, f.lastReply(t))
	assert.Empty(t, f.queue.appended)
	assert.Empty(t, f.sessions.admits)
}

func TestOnMessageOutsideWindow(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	f := newAdmissionFixture()
	f.content.activity.StartAt = now.Add(time.Hour)
	require.NoError(t, f.front.OnMessage(context.Background(), msg("early")))
	assert.Equal(t, msgNotStarted, f.lastReply(t))

	f = newAdmissionFixture()
	f.content.activity.EndAt = now.Add(-time.Hour)
	require.NoError(t, f.front.OnMessage(context.Background(), msg("late")))
	assert.Equal(t, msgEnded, f.lastReply(t))
}

func TestOnMessageAllLevelsPassed(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.progress.MarkPassed(context.Background(), "u1", 1, 1))
	require.NoError(t, f.progress.MarkPassed(context.Background(), "u1", 2, 2))

	require.NoError(t, f.front.OnMessage(context.Background(), msg("more")))
	assert.Equal(t, msgAllPassed, f.lastReply(t))
}

func TestOnMessageInputValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		text string
		want string
	}{
		{"empty after sanitize", "  \x00\x01  ", msgEmptyInput},
		{"too long counts runes", strings.Repeat("好", 201), msgTooLong(200)},
		{"too many lines", "a" + strings.Repeat("\n", 100) + "b", msgTooManyLines(maxInputLines)},
		{"repeat run", "flood " + strings.Repeat("A", 51), msgRepeatRun(maxRepeatRun)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newAdmissionFixture()
			require.NoError(t, f.front.OnMessage(context.Background(), msg(tc.text)))
			assert.Equal(t, tc.want, f.lastReply(t))
			assert.Empty(t, f.queue.appended)
		})
	}
}

func TestOnMessageMaxLengthPromptAccepted(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.front.OnMessage(context.Background(), msg(strings.Repeat("好", 200))))
	assert.Contains(t, f.lastReply(t), "Queued")
}

func TestOnMessageSessionStateGates(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	id := "t-old"
	cases := []struct {
		name    string
		session domain.Session
		want    string
	}{
		{"inflight", domain.Session{UserID: "u1", LevelID: 1, State: domain.SessionInflight, InflightTaskID: &id}, msgStillProcessing},
		{"cooldown active", domain.Session{UserID: "u1", LevelID: 1, State: domain.SessionCooldown, CooldownUntil: now.Add(time.Minute)}, "Cooling down"},
		{"failed out", domain.Session{UserID: "u1", LevelID: 1, State: domain.SessionFailedOut}, msgFailedOut},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newAdmissionFixture()
			f.sessions.put(tc.session)
			require.NoError(t, f.front.OnMessage(context.Background(), msg("attempt")))
			assert.Contains(t, f.lastReply(t), tc.want)
			assert.Empty(t, f.queue.appended)
		})
	}
}

func TestOnMessageExpiredCooldownAdmits(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.sessions.put(domain.Session{
		UserID: "u1", LevelID: 1, State: domain.SessionCooldown,
		TurnIndex: 1, CooldownUntil: time.Now().UTC().Add(-time.Second),
	})

	require.NoError(t, f.front.OnMessage(context.Background(), msg("retry")))
	assert.Contains(t, f.lastReply(t), "Queued")
	require.Len(t, f.queue.appended, 1)
}

func TestOnMessageQueueFullNoSideEffects(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.queue.capacity = 0

	require.NoError(t, f.front.OnMessage(context.Background(), msg("attempt")))
	assert.Equal(t, msgQueueFull, f.lastReply(t))
	assert.Empty(t, f.sessions.admits)

	s, err := f.sessions.Get(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionReady, s.State)
}

func TestOnMessageAdmitConflictReleasesSlot(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.sessions.admitErr = domain.ErrConflict

	require.NoError(t, f.front.OnMessage(context.Background(), msg("attempt")))
	assert.Equal(t, msgStillProcessing, f.lastReply(t))
	assert.Empty(t, f.queue.appended)
	assert.Equal(t, 0, f.queue.held)
}

func TestOnMessageMissingIdentity(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	err := f.front.OnMessage(context.Background(), domain.InboundMessage{ChatID: "c1", Text: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCommandHelp(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.front.OnMessage(context.Background(), msg("/help")))
	assert.Equal(t, msgHelp, f.lastReply(t))

	require.NoError(t, f.front.OnMessage(context.Background(), msg("/HELP")))
	assert.Equal(t, msgHelp, f.lastReply(t))
}

func TestCommandUnknown(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.front.OnMessage(context.Background(), msg("/teleport")))
	assert.Contains(t, f.lastReply(t), "Unknown command")
}

func TestCommandStart(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.front.OnMessage(context.Background(), msg("/start")))
	reply := f.lastReply(t)
	assert.Contains(t, reply, "Prompt Gauntlet")
	assert.Contains(t, reply, "level 1: Handshake")
	assert.Contains(t, reply, "Level 1: make the model say the phrase")
}

func TestCommandStartDuringMaintenance(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	f.content.activity.Enabled = false
	require.NoError(t, f.front.OnMessage(context.Background(), msg("/start")))
	assert.Contains(t, f.lastReply(t), msgMaintenance)
}

func TestCommandStatus(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.progress.MarkPassed(context.Background(), "u1", 1, 2))
	f.sessions.put(domain.Session{UserID: "u1", LevelID: 2, State: domain.SessionReady, TurnIndex: 1})

	require.NoError(t, f.front.OnMessage(context.Background(), msg("/status")))
	reply := f.lastReply(t)
	assert.Contains(t, reply, "Level 1 Handshake — passed in 2 turn(s)")
	assert.Contains(t, reply, "Level 2 Escalation — ready (1/2 turns used)")
}

func TestCommandStatusLocksLaterLevels(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.front.OnMessage(context.Background(), msg("/status")))
	reply := f.lastReply(t)
	assert.Contains(t, reply, "Level 1 Handshake — ready")
	assert.Contains(t, reply, "Level 2 Escalation — locked")
}

func TestCommandRules(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	require.NoError(t, f.front.OnMessage(context.Background(), msg("/rules")))
	reply := f.lastReply(t)
	assert.Contains(t, reply, "Level 1: Handshake")
	assert.Contains(t, reply, "3 attempts")
	assert.Contains(t, reply, "200 characters")
	assert.Contains(t, reply, "60s cooldown")
}

func TestCommandsNeverEnqueue(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture()
	for _, text := range []string{"/start", "/status", "/rules", "/help"} {
		require.NoError(t, f.front.OnMessage(context.Background(), msg(text)))
	}
	assert.Empty(t, f.queue.appended)
	assert.Equal(t, 0, f.queue.held)
}
