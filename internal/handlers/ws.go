package handlers

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Vicky270506/awake-watch-tech/internal/database"
	"github.com/Vicky270506/awake-watch-tech/internal/detector"
	"github.com/Vicky270506/awake-watch-tech/internal/logging"
	"github.com/Vicky270506/awake-watch-tech/internal/models"
	"github.com/Vicky270506/awake-watch-tech/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	extractTimeout = 5 * time.Second
)

// WSHub owns the detection WebSocket clients. Each connection gets its own
// tracker; frames are processed on the connection's read loop, which keeps
// every tracker single-threaded and frames strictly ordered.
type WSHub struct {
	upgrader  websocket.Upgrader
	extractor services.EarExtractor
	metrics   *services.Metrics
	defaults  detector.Params

	// persistAlarm is swapped out in tests.
	persistAlarm func(ctx context.Context, sessionID int, ear, closedFor float64) error

	mu      sync.RWMutex
	clients map[string]*wsClient

	maxMessageSize int64
}

type wsClient struct {
	hub       *WSHub
	conn      *websocket.Conn
	id        string
	send      chan models.WSMessage
	tracker   *detector.Tracker
	sessionID int // 0 when the connection is not bound to a recording session
	started   time.Time
	now       func() float64

	mu     sync.Mutex // guards closed against enqueue/shutdown racing
	closed bool
}

func NewWSHub(extractor services.EarExtractor, defaults detector.Params, maxMessageSizeMB int) *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		extractor:      extractor,
		metrics:        services.GetMetrics(),
		defaults:       defaults,
		persistAlarm:   InsertAlarmEvent,
		clients:        make(map[string]*wsClient),
		maxMessageSize: int64(maxMessageSizeMB) * 1024 * 1024,
	}
}

// HandleWS upgrades the connection and runs the detection session until the
// client goes away.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &wsClient{
		hub:     h,
		conn:    conn,
		id:      clientID,
		send:    make(chan models.WSMessage, 256),
		tracker: detector.New(h.defaults),
		started: time.Now(),
	}
	client.now = func() float64 {
		return time.Since(client.started).Seconds()
	}
	client.sessionID = h.boundSession(r)

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()
	h.metrics.IncrementWebSocketConnections()
	logging.Info("websocket client connected", "client_id", clientID, "session_id", client.sessionID)

	defer func() {
		h.mu.Lock()
		delete(h.clients, clientID)
		h.mu.Unlock()
		h.metrics.DecrementWebSocketConnections()
		client.shutdown()
		logging.Info("websocket client disconnected", "client_id", clientID)
	}()

	go client.writePump()

	welcome := models.NewInfoMessage("connected")
	welcome.ClientID = clientID
	client.enqueue(welcome)

	client.readPump()
}

// boundSession resolves an optional ?session=ID query parameter against the
// request's auth cookie. Alarms on a bound connection are persisted as events.
func (h *WSHub) boundSession(r *http.Request) int {
	raw := r.URL.Query().Get("session")
	if raw == "" || database.DB == nil {
		return 0
	}
	sessionID, err := strconv.Atoi(raw)
	if err != nil || sessionID <= 0 {
		return 0
	}
	userID, ok := getUserIDFromCookie(r)
	if !ok {
		return 0
	}
	owner, err := sessionOwner(r.Context(), sessionID)
	if err == sql.ErrNoRows {
		return 0
	}
	if err != nil {
		logging.Warn("session binding check failed", "error", err)
		return 0
	}
	if owner != userID {
		return 0
	}
	return sessionID
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client; used on shutdown.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		client.shutdown()
		logging.Info("closed websocket connection", "client_id", id)
	}
	h.clients = make(map[string]*wsClient)
}

func (c *wsClient) enqueue(msg models.WSMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		logging.Warn("client send buffer full, dropping message", "client_id", c.id)
	}
}

// shutdown marks the client closed before closing the send channel, so a
// frame arriving mid-shutdown can never send on a closed channel. Safe to
// call more than once.
func (c *wsClient) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	if c.hub.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.hub.maxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
		c.hub.metrics.IncrementWebSocketMessages()
		c.handleMessage(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound message. It runs on the read loop, so
// tracker access needs no locking.
func (c *wsClient) handleMessage(msg models.WSMessage) {
	switch msg.Type {
	case models.TypePing:
		c.enqueue(models.WSMessage{Type: models.TypePong, ClientID: c.id, Timestamp: time.Now().Unix()})

	case models.TypeFrame:
		c.handleFrame(msg)

	case models.TypeCmd:
		c.handleCommand(msg)

	default:
		logging.Debug("unknown message type", "client_id", c.id, "type", msg.Type)
		c.enqueue(models.NewErrorMessage("unknown message type"))
	}
}

func (c *wsClient) handleFrame(msg models.WSMessage) {
	start := time.Now()

	var payload models.FramePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.hub.metrics.IncrementWebSocketErrors()
		c.enqueue(models.NewErrorMessage("invalid frame payload"))
		return
	}
	frame, err := base64.StdEncoding.DecodeString(payload.Frame)
	if err != nil {
		c.hub.metrics.IncrementWebSocketErrors()
		c.enqueue(models.NewErrorMessage("invalid frame encoding"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
	defer cancel()
	obs, err := c.hub.extractor.Extract(ctx, frame, payload.SequenceNumber)
	if err != nil {
		logging.Warn("landmark extraction failed", "client_id", c.id, "error", err)
		c.hub.metrics.IncrementErrors()
		c.enqueue(models.NewErrorMessage("landmark extraction failed"))
		return
	}

	result := c.tracker.ProcessFrame(c.now(), obs.EAR, obs.FaceDetected)
	c.hub.metrics.IncrementFrames()
	c.hub.metrics.RecordLatency(time.Since(start))

	if result.Alarm {
		c.hub.metrics.IncrementAlarms()
		logging.Info("drowsiness alarm", "client_id", c.id, "closed_for", result.ClosedFor)
		if c.sessionID != 0 {
			if err := c.hub.persistAlarm(ctx, c.sessionID, result.EAR, result.ClosedFor); err != nil {
				logging.Error("alarm event insert failed", "session_id", c.sessionID, "error", err)
			}
		}
	}

	state := models.NewStateMessage(result)
	state.ClientID = c.id
	c.enqueue(state)
}

func (c *wsClient) handleCommand(msg models.WSMessage) {
	switch msg.Cmd {
	case models.CmdBeginBaseline:
		c.tracker.ResetCalibration()
		c.enqueue(models.NewInfoMessage("baseline_started"))

	case models.CmdSetParams:
		var patch detector.ParamPatch
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &patch); err != nil {
				c.enqueue(models.NewErrorMessage("invalid params"))
				return
			}
		}
		c.tracker.ApplyPatch(patch)
		c.enqueue(models.NewInfoMessage("parameters_updated"))

	default:
		c.enqueue(models.NewErrorMessage("unknown command"))
	}
}
