package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/khoj-ai/pipali/pkg/agent"
	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/events"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/session"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
	"github.com/khoj-ai/pipali/pkg/trajectory"
)

// Client command types.
const (
	commandMessage              = "message"
	commandStop                 = "stop"
	commandFork                 = "fork"
	commandConfirmationResponse = "confirmation_response"
)

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second

// clientCommand is the envelope for every client → server message.
type clientCommand struct {
	Type                 string                       `json:"type"`
	Message              string                       `json:"message,omitempty"`
	ConversationID       string                       `json:"conversation_id,omitempty"`
	SourceConversationID string                       `json:"source_conversation_id,omitempty"`
	ClientMessageID      string                       `json:"client_message_id,omitempty"`
	RunID                string                       `json:"run_id,omitempty"`
	Data                 *models.ConfirmationResponse `json:"data,omitempty"`
}

// ConnectionDeps carries what the connection manager needs to drive runs.
type ConnectionDeps struct {
	Store        *storage.Store
	Sessions     *session.Manager
	Trajectories *trajectory.Store
	Driver       *agent.Driver
	Registry     *tools.Registry
	UserID       string
	Logger       *slog.Logger
}

// ConnectionManager owns all live WebSocket connections and the
// per-conversation confirmation gates interactive runs block on.
type ConnectionManager struct {
	store        *storage.Store
	sessions     *session.Manager
	trajectories *trajectory.Store
	driver       *agent.Driver
	registry     *tools.Registry
	userID       string
	logger       *slog.Logger

	mu          sync.Mutex
	connections map[string]*Connection
	gates       map[string]*confirm.Gate // conversation id → gate

	wg sync.WaitGroup
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager(deps ConnectionDeps) *ConnectionManager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		store:        deps.Store,
		sessions:     deps.Sessions,
		trajectories: deps.Trajectories,
		driver:       deps.Driver,
		registry:     deps.Registry,
		userID:       deps.UserID,
		logger:       logger.With("component", "connection_manager"),
		connections:  make(map[string]*Connection),
		gates:        make(map[string]*confirm.Gate),
	}
}

// Connection is one client WebSocket.
type Connection struct {
	id   string
	conn *websocket.Conn
	mgr  *ConnectionManager

	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[string]bool // conversation ids this connection started runs in
}

// HandleConnection registers the connection and reads commands until the
// socket closes. Blocks for the lifetime of the connection.
func (m *ConnectionManager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	c := &Connection{
		id:    uuid.New().String(),
		conn:  conn,
		mgr:   m,
		owned: make(map[string]bool),
	}

	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
	m.logger.Info("WebSocket connection established", "connection_id", c.id)

	defer func() {
		m.mu.Lock()
		delete(m.connections, c.id)
		m.mu.Unlock()
		c.abortOwnedRuns()
		conn.Close(websocket.StatusNormalClosure, "")
		m.logger.Info("WebSocket connection closed", "connection_id", c.id)
	}()

	// Replay confirmations still waiting from before a reconnect.
	c.replayPendingConfirmations()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			m.logger.Warn("Dropping malformed client command", "connection_id", c.id, "error", err)
			continue
		}
		c.dispatch(cmd)
	}
}

// CloseAll closes every connection and waits for their runs to finish.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	m.sessions.AbortAll(session.ReasonDisconnect)
	m.wg.Wait()
}

// gateFor returns the conversation's confirmation gate, creating it on first
// use. Preferences stored with "don't ask again" live as long as the gate.
func (m *ConnectionManager) gateFor(conversationID string) *confirm.Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[conversationID]
	if !ok {
		g = confirm.NewGate(m.logger)
		m.gates[conversationID] = g
	}
	return g
}

func (c *Connection) dispatch(cmd clientCommand) {
	switch cmd.Type {
	case commandMessage:
		c.handleMessage(cmd)
	case commandStop:
		c.handleStop(cmd)
	case commandFork:
		c.handleFork(cmd)
	case commandConfirmationResponse:
		c.handleConfirmationResponse(cmd)
	default:
		c.mgr.logger.Warn("Unknown client command", "connection_id", c.id, "type", cmd.Type)
	}
}

// handleMessage routes a user message: a new run when the conversation is
// idle (or new), otherwise a soft interrupt queued behind the active run.
func (c *Connection) handleMessage(cmd clientCommand) {
	if cmd.Message == "" {
		c.sendError("", "", "message text is required")
		return
	}
	content := models.TextContent(cmd.Message)

	if cmd.ConversationID == "" {
		conv, err := c.mgr.createConversation(cmd.Message)
		if err != nil {
			c.sendError("", "", "failed to create conversation")
			return
		}
		c.sendEvent(events.ConversationCreated(conv.ID))
		c.startRun(conv.ID, cmd.ClientMessageID, content)
		return
	}

	sess := c.mgr.sessions.Get(cmd.ConversationID)
	if sess == nil || sess.State().Phase != session.PhaseRunning {
		if _, err := c.mgr.store.Conversations.Get(context.Background(), cmd.ConversationID); err != nil {
			c.sendError(cmd.ConversationID, "", "conversation not found")
			return
		}
		c.startRun(cmd.ConversationID, cmd.ClientMessageID, content)
		return
	}

	if !c.runMatches(sess, cmd.RunID, "message") {
		return
	}

	// Interrupt escalates to a hard stop itself when the run is blocked on
	// a confirmation; the queued message then starts the next run.
	if err := sess.Interrupt(cmd.ClientMessageID, content); err != nil {
		// The run finished between the check and the interrupt.
		c.startRun(cmd.ConversationID, cmd.ClientMessageID, content)
	}
}

// handleStop aborts the active run and rejects every confirmation it is
// waiting on.
func (c *Connection) handleStop(cmd clientCommand) {
	if cmd.ConversationID == "" {
		c.sendError("", "", "conversation id is required")
		return
	}
	sess := c.mgr.sessions.Get(cmd.ConversationID)
	if sess == nil {
		c.mgr.logger.Warn("Stop for unknown conversation", "conversation_id", cmd.ConversationID)
		return
	}
	if !c.runMatches(sess, cmd.RunID, "stop") {
		return
	}

	if err := sess.HardStop(session.ReasonUserStop); err != nil {
		c.mgr.logger.Warn("Stop with no active run", "conversation_id", cmd.ConversationID)
		return
	}
	c.mgr.gateFor(cmd.ConversationID).RejectAll("stopped by user")
}

// handleFork deep-clones a conversation's trajectory into a new conversation
// and starts a run there with the given message.
func (c *Connection) handleFork(cmd clientCommand) {
	if cmd.SourceConversationID == "" {
		c.sendError("", "", "source conversation id is required")
		return
	}
	if cmd.Message == "" {
		c.sendError("", "", "message text is required")
		return
	}

	ctx := context.Background()
	src, err := c.mgr.store.Conversations.Get(ctx, cmd.SourceConversationID)
	if err != nil {
		c.sendError(cmd.SourceConversationID, "", "source conversation not found")
		return
	}

	fork := &models.Conversation{
		ID:     uuid.New().String(),
		UserID: c.mgr.userID,
		Title:  src.Title + " (fork)",
	}
	if err := c.mgr.store.Conversations.Create(ctx, fork); err != nil {
		c.sendError(cmd.SourceConversationID, "", "failed to create fork")
		return
	}
	if err := c.mgr.store.Steps.CopyAll(ctx, src.ID, fork.ID); err != nil {
		c.sendError(cmd.SourceConversationID, "", "failed to copy trajectory")
		return
	}
	maxID, err := c.mgr.store.Steps.MaxStepID(ctx, src.ID)
	if err == nil && maxID > 0 {
		_ = c.mgr.store.Steps.SyncStepCounter(ctx, fork.ID, maxID)
	}

	c.mgr.logger.Info("Conversation forked",
		"source_conversation_id", src.ID, "conversation_id", fork.ID)
	c.sendEvent(events.ConversationCreated(fork.ID))
	c.startRun(fork.ID, cmd.ClientMessageID, models.TextContent(cmd.Message))
}

// handleConfirmationResponse routes the client's answer back to the waiting
// tool call.
func (c *Connection) handleConfirmationResponse(cmd clientCommand) {
	if cmd.ConversationID == "" || cmd.Data == nil {
		c.mgr.logger.Warn("Dropping malformed confirmation response", "connection_id", c.id)
		return
	}
	if sess := c.mgr.sessions.Get(cmd.ConversationID); sess != nil {
		if !c.runMatches(sess, cmd.RunID, "confirmation_response") {
			return
		}
	}

	resp := *cmd.Data
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	if err := c.mgr.gateFor(cmd.ConversationID).Resolve(&resp); err != nil {
		c.mgr.logger.Warn("Confirmation response for unknown request",
			"conversation_id", cmd.ConversationID, "request_id", resp.RequestID, "error", err)
	}
}

// runMatches validates an optional run id against the active run. Commands
// carrying a stale run id are dropped with a warning.
func (c *Connection) runMatches(sess *session.Session, runID, command string) bool {
	if runID == "" {
		return true
	}
	if err := sess.ValidateRun(runID); err != nil {
		c.mgr.logger.Warn("Dropping command with stale run id",
			"conversation_id", sess.ConversationID, "run_id", runID, "command", command, "error", err)
		return false
	}
	return true
}

// startRun begins a run and drives it in the background. Queued messages
// left by soft interrupts chain into follow-up runs on the same goroutine.
func (c *Connection) startRun(conversationID, clientMessageID string, content models.Content) {
	sess := c.mgr.sessions.GetOrCreate(conversationID)

	// The run belongs to the conversation, not to the HTTP request: it is
	// cancelled by a hard stop or by this connection going away.
	runID, runCtx, err := sess.StartRun(context.Background(), clientMessageID)
	if err != nil {
		c.sendError(conversationID, "", "a run is already in progress")
		return
	}

	c.mu.Lock()
	c.owned[conversationID] = true
	c.mu.Unlock()

	c.sendEvent(events.RunStarted(conversationID, runID))

	c.mgr.wg.Add(1)
	go func() {
		defer c.mgr.wg.Done()
		c.driveRun(sess, runCtx, conversationID, runID, content)
	}()
}

// driveRun executes one run to completion, then starts the next queued
// message, if any.
func (c *Connection) driveRun(sess *session.Session, runCtx context.Context, conversationID, runID string, content models.Content) {
	gate := c.mgr.gateFor(conversationID)
	confirmer := &wsConfirmer{gate: gate, sess: sess, conn: c, conversationID: conversationID, runID: runID}

	_, err := c.mgr.driver.Run(runCtx, agent.RunInput{
		ConversationID: conversationID,
		UserID:         c.mgr.userID,
		RunID:          runID,
		UserMessage:    content,
		Session:        sess,
		Executor:       agent.NewParallelExecutor(c.mgr.registry, confirmer),
		Emitter:        events.EmitterFunc(c.sendEvent),
	})
	if err != nil {
		c.mgr.logger.Debug("Run ended without terminal response",
			"conversation_id", conversationID, "run_id", runID, "error", err)
	}

	next, _ := sess.FinishRun()
	if next != nil {
		c.startRun(conversationID, next.ClientMessageID, next.Content)
	}
}

// createConversation persists a new conversation titled from the first
// message.
func (m *ConnectionManager) createConversation(message string) (*models.Conversation, error) {
	title := message
	if len(title) > 80 {
		title = title[:80]
	}
	conv := &models.Conversation{
		ID:     uuid.New().String(),
		UserID: m.userID,
		Title:  title,
	}
	if err := m.store.Conversations.Create(context.Background(), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// abortOwnedRuns hard-aborts every run this connection started and rejects
// their pending confirmations. Called on disconnect.
func (c *Connection) abortOwnedRuns() {
	c.mu.Lock()
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.mu.Unlock()

	for _, conversationID := range owned {
		if sess := c.mgr.sessions.Get(conversationID); sess != nil {
			sess.Abort(session.ReasonDisconnect)
		}
		c.mgr.gateFor(conversationID).RejectAll("client disconnected")
	}
}

// replayPendingConfirmations re-sends confirmation requests still in flight,
// so a reconnecting client can answer them.
func (c *Connection) replayPendingConfirmations() {
	c.mgr.mu.Lock()
	gates := make(map[string]*confirm.Gate, len(c.mgr.gates))
	for id, g := range c.mgr.gates {
		gates[id] = g
	}
	c.mgr.mu.Unlock()

	for conversationID, gate := range gates {
		for _, req := range gate.Pending() {
			sess := c.mgr.sessions.Get(conversationID)
			runID := ""
			if sess != nil {
				runID = sess.State().RunID
			}
			c.sendEvent(events.ConfirmationRequested(conversationID, runID, req))
		}
	}
}

// sendEvent writes one event to the socket. Write errors only log; the read
// loop notices the broken connection and cleans up.
func (c *Connection) sendEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		c.mgr.logger.Error("Failed to marshal event", "type", event.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mgr.logger.Debug("WebSocket write failed",
			"connection_id", c.id, "type", event.Type, "error", err)
	}
}

func (c *Connection) sendError(conversationID, runID, message string) {
	e := events.New(events.EventTypeError, conversationID)
	e.RunID = runID
	e.Error = message
	c.sendEvent(e)
}

// wsConfirmer bridges tool confirmation requests onto the WebSocket. The
// session is marked awaiting-confirmation for the duration so soft
// interrupts escalate correctly.
type wsConfirmer struct {
	gate           *confirm.Gate
	sess           *session.Session
	conn           *Connection
	conversationID string
	runID          string
}

func (w *wsConfirmer) RequestOperationConfirmation(ctx context.Context, req *models.ConfirmationRequest) (models.ConfirmationDecision, error) {
	w.sess.BeginConfirmation()
	defer w.sess.EndConfirmation()

	return w.gate.RequestOperationConfirmation(ctx, req, func(r *models.ConfirmationRequest) error {
		w.conn.sendEvent(events.ConfirmationRequested(w.conversationID, w.runID, r))
		return nil
	})
}
