package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"realtime-wallet/internal/config"
	"realtime-wallet/internal/events"
	"realtime-wallet/internal/metrics"
	"realtime-wallet/internal/models"

	"github.com/go-playground/validator"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CloseAuthFailure is sent when the handshake token is missing or
// invalid, distinct from the policy-violation code used for protocol
// errors on an established connection.
const CloseAuthFailure = 4401

// Ledger is the slice of the ledger service the gateway needs.
type Ledger interface {
	EnsureAccount(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, userID string) (*models.Snapshot, error)
	Apply(ctx context.Context, userID, txType string, amount int64) (*models.ApplyResult, error)
}

// TokenVerifier validates a handshake token and returns the user ID.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Publisher fans events out across gateway instances. A nil publisher
// keeps broadcasts local to this instance.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Hub struct {
	cfg       config.GatewayConfig
	registry  *Registry
	ledger    Ledger
	verifier  TokenVerifier
	publisher Publisher
	metrics   *metrics.Metrics
	validate  *validator.Validate
	log       *zerolog.Logger
	upgrader  websocket.Upgrader

	// baseCtx bounds inbound handler calls to the hub's lifetime.
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewHub(
	cfg config.GatewayConfig,
	registry *Registry,
	ledger Ledger,
	verifier TokenVerifier,
	publisher Publisher,
	m *metrics.Metrics,
	log *zerolog.Logger,
) *Hub {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		registry:  registry,
		ledger:    ledger,
		verifier:  verifier,
		publisher: publisher,
		metrics:   m,
		validate:  validator.New(),
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from a different origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: baseCtx,
		stop:    stop,
	}
}

// HandleConnection upgrades the request and runs the connection's read
// loop. The token is verified before the connection is registered or
// allowed to exchange any protocol message.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID, err := h.verifier.Verify(handshakeToken(r))
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed"),
			time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return
	}

	c := newClient(userID, conn, h.cfg.SendBuffer)
	h.registry.Add(c)
	h.metrics.ActiveConnections.Inc()
	h.log.Info().Str("userId", userID).Msg("connection registered")

	go c.writePump(h.cfg.WriteWait)

	h.sendInitialState(r.Context(), c)

	c.readPump(h)
}

func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (h *Hub) sendInitialState(ctx context.Context, c *Client) {
	if err := h.ledger.EnsureAccount(ctx, c.userID); err != nil {
		h.log.Error().Err(err).Str("userId", c.userID).Msg("failed to ensure account")
		return
	}

	snapshot, err := h.ledger.Snapshot(ctx, c.userID)
	if err != nil {
		h.log.Error().Err(err).Str("userId", c.userID).Msg("failed to build initial state")
		return
	}

	h.sendTo(c, models.MessageInitialState, snapshot)
}

func (h *Hub) unregister(c *Client) {
	if h.registry.Remove(c) {
		h.metrics.ActiveConnections.Dec()
		h.log.Info().Str("userId", c.userID).Msg("connection removed")
	}
	c.shutdown()
	c.conn.Close()
}

// handleInbound validates one client frame against the closed message
// schema and dispatches it. Validation failures answer the sender only;
// the connection stays open.
func (h *Hub) handleInbound(c *Client, raw []byte) {
	var msg models.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, "invalid message format")
		return
	}
	if err := h.validate.Struct(msg); err != nil {
		h.sendError(c, "unknown message type")
		return
	}

	ctx, cancel := context.WithTimeout(h.baseCtx, h.cfg.HandlerTimeout)
	defer cancel()

	switch msg.Type {
	case models.MessageBalance:
		h.handleBalance(ctx, c, msg.Data)
	case models.MessageTransaction:
		h.handleTransaction(ctx, c, msg.Data)
	case models.MessageNotification:
		h.handleNotification(ctx, c, msg.Data)
	}
}

// handleBalance applies a signed balance adjustment: a positive amount
// deposits, a negative one withdraws.
func (h *Hub) handleBalance(ctx context.Context, c *Client, data json.RawMessage) {
	var bm models.BalanceMessage
	if err := json.Unmarshal(data, &bm); err != nil || bm.Amount == 0 {
		h.sendError(c, "amount is required")
		return
	}

	txType := models.TypeDeposit
	amount := bm.Amount
	if amount < 0 {
		txType = models.TypeWithdrawal
		amount = -amount
	}

	result, err := h.ledger.Apply(ctx, c.userID, txType, amount)
	if err != nil {
		h.sendError(c, err.Error())
		return
	}

	h.emit(ctx, c.userID, models.MessageBalance, models.BalanceState{Balance: result.NewBalance})
}

func (h *Hub) handleTransaction(ctx context.Context, c *Client, data json.RawMessage) {
	var tm models.TransactionMessage
	if err := json.Unmarshal(data, &tm); err != nil {
		h.sendError(c, "invalid transaction payload")
		return
	}
	if err := h.validate.Struct(tm); err != nil {
		h.sendError(c, "invalid transaction payload")
		return
	}

	result, err := h.ledger.Apply(ctx, c.userID, tm.Type, tm.Amount)
	if err != nil {
		h.sendError(c, err.Error())
		return
	}

	h.emit(ctx, c.userID, models.MessageTransaction, result.Transaction)
	h.emit(ctx, c.userID, models.MessageBalance, models.BalanceState{Balance: result.NewBalance})
}

func (h *Hub) handleNotification(ctx context.Context, c *Client, data json.RawMessage) {
	var nm models.NotificationMessage
	if err := json.Unmarshal(data, &nm); err != nil {
		h.sendError(c, "invalid notification payload")
		return
	}
	if err := h.validate.Struct(nm); err != nil {
		h.sendError(c, "invalid notification payload")
		return
	}

	h.emit(ctx, c.userID, models.MessageNotification, nm)
}

// emit routes an event to every connection the user holds: through the
// publisher when one is wired (the subscriber loop delivers it back to
// each instance, this one included), directly otherwise.
func (h *Hub) emit(ctx context.Context, userID, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal event payload")
		return
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, events.Event{
			UserID: userID,
			Type:   msgType,
			Data:   data,
		}); err != nil {
			h.log.Error().Err(err).Str("userId", userID).Msg("failed to publish event")
		}
		return
	}

	h.broadcastLocal(userID, msgType, data)
}

// HandleEvent delivers a fanned-out event to this instance's
// connections for the addressed user.
func (h *Hub) HandleEvent(event events.Event) {
	h.broadcastLocal(event.UserID, event.Type, event.Data)
}

// marshalFrame wraps a raw payload in the outbound envelope. The payload
// must stay a json.RawMessage: a plain []byte would be base64-encoded.
func marshalFrame(msgType string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(models.OutboundMessage{Type: msgType, Data: data})
}

func (h *Hub) broadcastLocal(userID, msgType string, data json.RawMessage) {
	frame, err := marshalFrame(msgType, data)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}

	for _, c := range h.registry.Connections(userID) {
		if !c.trySend(frame) {
			// Slow or dying connection: drop it rather than stall the rest.
			h.log.Warn().Str("userId", userID).Msg("dropping unresponsive connection")
			c.conn.Close()
		}
	}
}

func (h *Hub) sendTo(c *Client, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal payload")
		return
	}
	msg, err := marshalFrame(msgType, data)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	c.trySend(msg)
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendTo(c, models.MessageError, models.ErrorPayload{Message: message})
}

// Run drives the heartbeat sweep until ctx is canceled. Each sweep
// terminates connections that did not answer the previous probe, then
// probes the rest; a dead peer is reaped within two sweep intervals.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.stop()
			h.closeAll()
			return nil
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	for _, c := range h.registry.All() {
		if !c.consumeAlive() {
			h.log.Info().Str("userId", c.userID).Msg("terminating unresponsive connection")
			c.conn.Close()
			continue
		}
		if err := c.ping(h.cfg.WriteWait); err != nil {
			c.conn.Close()
		}
	}
}

func (h *Hub) closeAll() {
	for _, c := range h.registry.All() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		c.conn.Close()
	}
}
