package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEventRoundTripKeepsDiscriminantAndFields(t *testing.T) {
	t.Parallel()
	events := []Event{
		Started{ID: 1, Attempt: 2, Time: t0},
		Progress{ID: 1, Progress: 40, Message: "processing step 2/5", Time: t0},
		Completed{ID: 1, Message: "done", Time: t0},
		Cancelled{ID: 2, Message: "stopped", Time: t0},
		Killed{ID: 3, Message: "killed", Time: t0},
		Warning{ID: 4, Message: "no progress for 10s", Time: t0},
		Error{ID: SentinelID, Message: "boom", Time: t0},
	}
	for _, ev := range events {
		data, err := MarshalEvent(ev)
		require.NoError(t, err)
		assert.Equal(t, string(ev.Kind()), gjson.GetBytes(data, TypeField).String())

		got, err := UnmarshalEvent(data)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()
	reqs := []Request{Submit{Payload: "Texture analysis 3"}, Cancel{ID: 7}, Kill{ID: 8}, Restart{ID: 9}, Shutdown{}}
	for _, req := range reqs {
		data, err := MarshalRequest(req)
		require.NoError(t, err)
		got, err := UnmarshalRequest(data)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := UnmarshalEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalEvent([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalEvent([]byte(`{"id":1}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = UnmarshalEvent([]byte(`{"type":"teleported","id":1}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = UnmarshalRequest([]byte(`{"type":"cancel","id":"seven"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalRequest([]byte(`{"type":"started","id":1}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, IsTerminal(Started{ID: 1}))
	assert.False(t, IsTerminal(Progress{ID: 1}))
	assert.False(t, IsTerminal(Warning{ID: 1}))
	assert.True(t, IsTerminal(Completed{ID: 1}))
	assert.True(t, IsTerminal(Cancelled{ID: 1}))
	assert.True(t, IsTerminal(Killed{ID: 1}))
	assert.True(t, IsTerminal(Error{ID: 1}))
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "task 3: started", Describe(Started{ID: 3, Attempt: 1}))
	assert.Equal(t, "task 3: started (attempt 2)", Describe(Started{ID: 3, Attempt: 2}))
	assert.Equal(t, "task 3:  50% half", Describe(Progress{ID: 3, Progress: 50, Message: "half"}))
	assert.Equal(t, "supervisor: error: bad", Describe(Error{ID: SentinelID, Message: "bad"}))
}
