package fsm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverMachine mirrors the portus server life cycle.
func serverMachine() *StateMachine {
	sm := New("PENDING")
	sm.AddTransition("PENDING", "STARTING", "start", nil)
	sm.AddTransition("STARTING", "RUNNING", "ready", nil)
	sm.AddTransition("RUNNING", "RESTARTING", "reload", nil)
	sm.AddTransition("RESTARTING", "RUNNING", "reloaded", nil)
	sm.AddTransition("RUNNING", "STOPPING", "stop", nil)
	sm.AddTransition("STOPPING", "STOPPED", "stopped", nil)
	return sm
}

func TestStateMachine_ServerLifeCycle(t *testing.T) {
	sm := serverMachine()
	for _, ev := range []Event{"start", "ready", "reload", "reloaded", "stop", "stopped"} {
		require.NoError(t, sm.Fire(ev), "event %s", ev)
	}
	assert.Equal(t, State("STOPPED"), sm.Current())
}

func TestStateMachine_UnknownEventKeepsState(t *testing.T) {
	sm := serverMachine()
	err := sm.Fire("reload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PENDING")
	assert.Equal(t, State("PENDING"), sm.Current())
}

// A handler may fire the follow-up event itself, as the server does when
// start completes.
func TestStateMachine_HandlerFiresNextEvent(t *testing.T) {
	sm := New("PENDING")
	sm.AddTransition("PENDING", "STARTING", "start", func(Event, ...interface{}) error {
		return sm.Fire("ready")
	})
	sm.AddTransition("STARTING", "RUNNING", "ready", nil)

	done := make(chan error, 1)
	go func() { done <- sm.Fire("start") }()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, State("RUNNING"), sm.Current())
	case <-time.After(time.Second):
		t.Fatal("Fire did not return, the handler must run without the lock")
	}
}

func TestStateMachine_HandlerErrorAfterTransition(t *testing.T) {
	bind := errors.New("address already in use")
	sm := New("PENDING")
	var seen State
	sm.AddTransition("PENDING", "STARTING", "start", func(ev Event, args ...interface{}) error {
		seen = sm.Current()
		require.Len(t, args, 1)
		assert.Equal(t, "127.0.0.1:3000", args[0])
		return bind
	})

	err := sm.Fire("start", "127.0.0.1:3000")
	assert.ErrorIs(t, err, bind)
	assert.Equal(t, State("STARTING"), seen)
	assert.Equal(t, State("STARTING"), sm.Current())
}

func TestStateMachine_ObserveAndCan(t *testing.T) {
	sm := New("BEGIN")
	sm.AddTransition("BEGIN", "PARSING_HEADERS", "accept", nil)
	sm.AddTransition("PARSING_HEADERS", "CLOSED", "fail", nil)

	var seen []string
	sm.Observe(func(from, to State, event Event) {
		seen = append(seen, fmt.Sprintf("%s-%s->%s", from, event, to))
	})

	assert.False(t, sm.Can("fail"))
	require.NoError(t, sm.Fire("accept"))
	assert.True(t, sm.Can("fail"))
	require.NoError(t, sm.Fire("fail"))

	assert.Equal(t, []string{"BEGIN-accept->PARSING_HEADERS", "PARSING_HEADERS-fail->CLOSED"}, seen)

	sm.Reset("BEGIN")
	assert.Equal(t, State("BEGIN"), sm.Current())
	assert.Len(t, seen, 2, "Reset does not notify observers")
}
