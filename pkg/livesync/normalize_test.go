package livesync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"famcal-api/types"
)

func TestDecodeMessage(t *testing.T) {
	raw := []byte(`{
		"id": "m1",
		"projectId": "p1",
		"calendarId": null,
		"type": "event.created",
		"entityId": "e1",
		"payload": {"anything": true},
		"updatedAt": "2026-08-10T12:00:00Z"
	}`)
	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, types.LiveEventCreated, msg.Type)
	assert.Nil(t, msg.CalendarID)
	assert.Equal(t, time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC), msg.UpdatedAt)
}

func TestDecodeMessageRejectsIncompleteFrames(t *testing.T) {
	cases := map[string]string{
		"empty":             ``,
		"not json":          `{{`,
		"missing id":        `{"projectId":"p1","type":"system.ping","entityId":"x","updatedAt":"2026-08-10T12:00:00Z"}`,
		"missing type":      `{"id":"m1","projectId":"p1","entityId":"x","updatedAt":"2026-08-10T12:00:00Z"}`,
		"missing project":   `{"id":"m1","type":"system.ping","entityId":"x","updatedAt":"2026-08-10T12:00:00Z"}`,
		"missing entity":    `{"id":"m1","projectId":"p1","type":"system.ping","updatedAt":"2026-08-10T12:00:00Z"}`,
		"missing timestamp": `{"id":"m1","projectId":"p1","type":"system.ping","entityId":"x"}`,
	}
	for name, raw := range cases {
		_, err := DecodeMessage([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev := testEvent("e1", testBase)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	decoded, err := DecodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.DateLocal.String(), decoded.DateLocal.String())
}

func TestDecodeEventRejectsIncompletePayloads(t *testing.T) {
	strip := func(mutate func(*types.EventOut)) json.RawMessage {
		ev := testEvent("e1", testBase)
		mutate(&ev)
		b, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	cases := map[string]json.RawMessage{
		"nil payload":  nil,
		"null payload": json.RawMessage(`null`),
		"no id":        strip(func(ev *types.EventOut) { ev.ID = "" }),
		"no project":   strip(func(ev *types.EventOut) { ev.ProjectID = "" }),
		"no timestamp": strip(func(ev *types.EventOut) { ev.UpdatedAt = time.Time{} }),
		"bad kind":     strip(func(ev *types.EventOut) { ev.Kind = "MYSTERY" }),
	}
	for name, payload := range cases {
		decoded, err := DecodeEvent(payload)
		assert.Error(t, err, name)
		assert.Nil(t, decoded, name)
	}

	// Dates marshal as zero-value strings, so exercise the missing-span case
	// through raw JSON.
	_, err := DecodeEvent(json.RawMessage(`{
		"id":"e1","projectId":"p1","kind":"NOTE","updatedAt":"2026-08-10T12:00:00Z"
	}`))
	assert.Error(t, err, "missing day span")
}
