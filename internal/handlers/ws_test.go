package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vicky270506/awake-watch-tech/internal/detector"
	"github.com/Vicky270506/awake-watch-tech/internal/models"
	"github.com/Vicky270506/awake-watch-tech/internal/services"
)

// fastParams keeps the state machine small enough to drive through in a
// handful of frames.
func fastParams() detector.Params {
	return detector.Params{
		ClosedSeconds:      0.1,
		RefractorySeconds:  10,
		SmoothingFactor:    0.7,
		CalibrationSamples: 3,
		ConfirmFrames:      1,
	}
}

// newTestClient builds a client whose injected clock advances 50ms per frame,
// without a live connection. handleMessage never touches the conn directly,
// replies land on the send channel.
func newTestClient(hub *WSHub) *wsClient {
	c := &wsClient{
		hub:     hub,
		id:      "test-client",
		send:    make(chan models.WSMessage, 64),
		tracker: detector.New(hub.defaults),
		started: time.Now(),
	}
	clock := 0.0
	c.now = func() float64 {
		clock += 0.05
		return clock
	}
	return c
}

func frameMsg(t *testing.T, seq int32) models.WSMessage {
	t.Helper()
	payload, err := json.Marshal(models.FramePayload{
		Frame:          base64.StdEncoding.EncodeToString([]byte("not a real jpeg")),
		SequenceNumber: seq,
	})
	require.NoError(t, err)
	return models.WSMessage{Type: models.TypeFrame, Data: payload}
}

func recv(t *testing.T, c *wsClient) models.WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatal("expected a queued reply, send channel is empty")
		return models.WSMessage{}
	}
}

func statePayload(t *testing.T, msg models.WSMessage) detector.Result {
	t.Helper()
	require.Equal(t, models.TypeState, msg.Type)
	res, ok := msg.Payload.(detector.Result)
	require.True(t, ok, "state payload is not a detector result")
	return res
}

func TestPingPong(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)

	c.handleMessage(models.WSMessage{Type: models.TypePing})

	reply := recv(t, c)
	assert.Equal(t, models.TypePong, reply.Type)
	assert.Equal(t, "test-client", reply.ClientID)
}

func TestUnknownMessageType(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)

	c.handleMessage(models.WSMessage{Type: "telemetry"})

	reply := recv(t, c)
	assert.Equal(t, models.TypeError, reply.Type)
	assert.Equal(t, "unknown message type", reply.Message)
}

func TestFrameRejectsBadPayload(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)

	c.handleMessage(models.WSMessage{Type: models.TypeFrame, Data: json.RawMessage(`"nope"`)})
	reply := recv(t, c)
	assert.Equal(t, models.TypeError, reply.Type)
	assert.Equal(t, "invalid frame payload", reply.Message)

	data, err := json.Marshal(models.FramePayload{Frame: "!!! not base64 !!!"})
	require.NoError(t, err)
	c.handleMessage(models.WSMessage{Type: models.TypeFrame, Data: data})
	reply = recv(t, c)
	assert.Equal(t, models.TypeError, reply.Type)
	assert.Equal(t, "invalid frame encoding", reply.Message)
}

func TestFrameWithoutFaceReportsUndetected(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)

	c.handleMessage(frameMsg(t, 1))

	res := statePayload(t, recv(t, c))
	assert.False(t, res.Detected)
	assert.Equal(t, detector.StateCalibrating, res.State)
}

func TestFrameDrivesStateMachineToAlarm(t *testing.T) {
	// Three calibration frames at 0.30, then closed eyes. With a 3-sample
	// baseline the thresholds land at 0.225/0.255; the near-zero EAR frames
	// drop the smoothed signal below 0.225 immediately.
	extractor := services.NewStaticExtractor([]services.EarObservation{
		{FaceDetected: true, EAR: 0.30},
		{FaceDetected: true, EAR: 0.30},
		{FaceDetected: true, EAR: 0.30},
		{FaceDetected: true, EAR: 0.01},
		{FaceDetected: true, EAR: 0.01},
		{FaceDetected: true, EAR: 0.01},
	})
	hub := NewWSHub(extractor, fastParams(), 10)

	type persisted struct {
		sessionID int
		closedFor float64
	}
	var saved []persisted
	hub.persistAlarm = func(_ context.Context, sessionID int, ear, closedFor float64) error {
		saved = append(saved, persisted{sessionID, closedFor})
		return nil
	}

	c := newTestClient(hub)
	c.sessionID = 42

	for seq := int32(1); seq <= 6; seq++ {
		c.handleMessage(frameMsg(t, seq))
	}

	// Frames 1-2: still calibrating.
	for i := 0; i < 2; i++ {
		res := statePayload(t, recv(t, c))
		assert.Equal(t, detector.StateCalibrating, res.State)
		assert.False(t, res.BaselineReady)
	}

	// Frame 3 fills the baseline and is judged against the fresh thresholds.
	res := statePayload(t, recv(t, c))
	assert.Equal(t, detector.StateOpen, res.State)
	assert.True(t, res.BaselineReady)
	assert.InDelta(t, 0.225, res.ThresholdLow, 1e-9)
	assert.InDelta(t, 0.255, res.ThresholdHigh, 1e-9)

	// Frame 4 confirms the closure, frame 5 is still under the alarm duration,
	// frame 6 crosses it.
	res = statePayload(t, recv(t, c))
	assert.Equal(t, detector.StateClosed, res.State)
	assert.False(t, res.Alarm)

	res = statePayload(t, recv(t, c))
	assert.Equal(t, detector.StateClosed, res.State)
	assert.False(t, res.Alarm)
	assert.InDelta(t, 0.05, res.ClosedFor, 1e-9)

	res = statePayload(t, recv(t, c))
	assert.True(t, res.Alarm)
	assert.InDelta(t, 0.10, res.ClosedFor, 1e-9)

	require.Len(t, saved, 1)
	assert.Equal(t, 42, saved[0].sessionID)
	assert.InDelta(t, 0.10, saved[0].closedFor, 1e-9)
}

func TestAlarmWithoutSessionIsNotPersisted(t *testing.T) {
	extractor := services.NewStaticExtractor([]services.EarObservation{
		{FaceDetected: true, EAR: 0.30},
		{FaceDetected: true, EAR: 0.30},
		{FaceDetected: true, EAR: 0.30},
		{FaceDetected: true, EAR: 0.01},
		{FaceDetected: true, EAR: 0.01},
		{FaceDetected: true, EAR: 0.01},
	})
	hub := NewWSHub(extractor, fastParams(), 10)

	calls := 0
	hub.persistAlarm = func(context.Context, int, float64, float64) error {
		calls++
		return nil
	}

	c := newTestClient(hub)
	for seq := int32(1); seq <= 6; seq++ {
		c.handleMessage(frameMsg(t, seq))
	}

	assert.Equal(t, 0, calls)
}

func TestBeginBaselineCommand(t *testing.T) {
	extractor := services.NewStaticExtractor([]services.EarObservation{
		{FaceDetected: true, EAR: 0.30},
	})
	hub := NewWSHub(extractor, fastParams(), 10)
	c := newTestClient(hub)

	for seq := int32(1); seq <= 3; seq++ {
		c.handleMessage(frameMsg(t, seq))
		recv(t, c)
	}

	c.handleMessage(models.WSMessage{Type: models.TypeCmd, Cmd: models.CmdBeginBaseline})
	reply := recv(t, c)
	assert.Equal(t, models.TypeInfo, reply.Type)
	assert.Equal(t, "baseline_started", reply.Message)

	// Back to collecting a baseline.
	c.handleMessage(frameMsg(t, 4))
	res := statePayload(t, recv(t, c))
	assert.Equal(t, detector.StateCalibrating, res.State)
	assert.False(t, res.BaselineReady)
}

func TestSetParamsCommand(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)

	c.handleMessage(models.WSMessage{
		Type:   models.TypeCmd,
		Cmd:    models.CmdSetParams,
		Params: json.RawMessage(`{"CLOSED_SECONDS":2.5,"CONFIRM_FRAMES":2}`),
	})
	reply := recv(t, c)
	assert.Equal(t, models.TypeInfo, reply.Type)
	assert.Equal(t, "parameters_updated", reply.Message)

	p := c.tracker.Params()
	assert.Equal(t, 2.5, p.ClosedSeconds)
	assert.Equal(t, 2, p.ConfirmFrames)
	assert.Equal(t, 3, p.CalibrationSamples)

	c.handleMessage(models.WSMessage{
		Type:   models.TypeCmd,
		Cmd:    models.CmdSetParams,
		Params: json.RawMessage(`{broken`),
	})
	reply = recv(t, c)
	assert.Equal(t, models.TypeError, reply.Type)
	assert.Equal(t, "invalid params", reply.Message)
}

func TestUnknownCommand(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)

	c.handleMessage(models.WSMessage{Type: models.TypeCmd, Cmd: "self_destruct"})
	reply := recv(t, c)
	assert.Equal(t, models.TypeError, reply.Type)
	assert.Equal(t, "unknown command", reply.Message)
}

func TestEnqueueAfterCloseAll(t *testing.T) {
	hub := NewWSHub(services.NoopExtractor{}, fastParams(), 10)
	c := newTestClient(hub)
	hub.clients[c.id] = c

	hub.CloseAll()
	assert.Equal(t, 0, hub.ClientCount())

	// A message landing mid-shutdown is dropped, never sent on the closed
	// channel.
	require.NotPanics(t, func() {
		c.handleMessage(models.WSMessage{Type: models.TypePing})
	})
	_, open := <-c.send
	assert.False(t, open, "send channel is closed and drained")

	// Shutdown is idempotent.
	require.NotPanics(t, c.shutdown)
}

func TestWebSocketEndToEnd(t *testing.T) {
	extractor := services.NewStaticExtractor([]services.EarObservation{
		{FaceDetected: true, EAR: 0.30},
	})
	p := fastParams()
	p.CalibrationSamples = 2
	hub := NewWSHub(extractor, p, 10)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?clientId=e2e"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var welcome models.WSMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, models.TypeInfo, welcome.Type)
	assert.Equal(t, "connected", welcome.Message)
	assert.Equal(t, "e2e", welcome.ClientID)

	require.NoError(t, conn.WriteJSON(models.WSMessage{Type: models.TypePing}))
	var pong models.WSMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, models.TypePong, pong.Type)

	payload, err := json.Marshal(models.FramePayload{
		Frame: base64.StdEncoding.EncodeToString([]byte("frame")),
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(models.WSMessage{Type: models.TypeFrame, Data: payload}))
	}

	var last map[string]interface{}
	for i := 0; i < 3; i++ {
		var state models.WSMessage
		require.NoError(t, conn.ReadJSON(&state))
		require.Equal(t, models.TypeState, state.Type)
		m, ok := state.Payload.(map[string]interface{})
		require.True(t, ok)
		last = m
	}
	assert.Equal(t, "open", last["state"])
	assert.Equal(t, true, last["baseline_ready"])

	assert.Equal(t, 1, hub.ClientCount())
	hub.CloseAll()
	assert.Equal(t, 0, hub.ClientCount())
}
