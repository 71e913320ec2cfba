package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"realtime-wallet/internal/config"
	"realtime-wallet/internal/metrics"
	"realtime-wallet/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64)}
}

func (f *fakeLedger) EnsureAccount(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[userID]; !ok {
		f.balances[userID] = 0
	}
	return nil
}

func (f *fakeLedger) Snapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.Snapshot{
		Balance:      f.balances[userID],
		Transactions: []models.Transaction{},
	}, nil
}

func (f *fakeLedger) Apply(ctx context.Context, userID, txType string, amount int64) (*models.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	balance := f.balances[userID]
	switch txType {
	case models.TypeDeposit:
		balance += amount
	case models.TypeWithdrawal:
		balance -= amount
	default:
		return nil, errors.New("unknown transaction type")
	}
	if balance < 0 {
		return nil, errors.New("insufficient funds")
	}
	f.balances[userID] = balance

	return &models.ApplyResult{
		NewBalance: balance,
		Transaction: models.Transaction{
			ID:        "tx-1",
			UserID:    userID,
			Type:      txType,
			Amount:    amount,
			Status:    models.StatusCompleted,
			CreatedAt: time.Now().UTC(),
		},
	}, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (string, error) {
	userID, ok := strings.CutSuffix(token, "-token")
	if !ok || userID == "" {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

func newTestHub(t *testing.T, pingInterval time.Duration) (*Hub, *Registry, *httptest.Server) {
	return newTestHubWithLedger(t, pingInterval, time.Second, newFakeLedger())
}

func newTestHubWithLedger(t *testing.T, pingInterval, handlerTimeout time.Duration, ledger Ledger) (*Hub, *Registry, *httptest.Server) {
	t.Helper()

	cfg := config.GatewayConfig{
		PingInterval:   pingInterval,
		WriteWait:      time.Second,
		HandlerTimeout: handlerTimeout,
		SendBuffer:     16,
		SnapshotDepth:  20,
	}
	registry := NewRegistry()
	log := zerolog.Nop()
	hub := NewHub(cfg, registry, ledger, fakeVerifier{}, nil, metrics.New(), &log)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(srv.Close)

	return hub, registry, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame mirrors the outbound envelope with the payload kept raw.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg frame
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(d))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected no frame, got one")
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	_, registry, srv := newTestHub(t, time.Hour)

	conn := dial(t, srv, "garbage")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != CloseAuthFailure {
		t.Fatalf("expected close code %d, got %d", CloseAuthFailure, closeErr.Code)
	}
	if len(registry.All()) != 0 {
		t.Fatal("expected no registered connections after rejected handshake")
	}
}

func TestHub_InitialStateAndRegistryLifecycle(t *testing.T) {
	_, registry, srv := newTestHub(t, time.Hour)

	c1 := dial(t, srv, "alice-token")
	c2 := dial(t, srv, "alice-token")

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readFrame(t, conn)
		if msg.Type != models.MessageInitialState {
			t.Fatalf("expected initial_state, got %q", msg.Type)
		}
		// The payload must arrive as a JSON object, not a base64 string.
		var snapshot models.Snapshot
		if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
			t.Fatalf("initial_state payload is not a snapshot object: %v", err)
		}
		if snapshot.Balance != 0 || snapshot.Transactions == nil {
			t.Fatalf("expected empty snapshot, got %+v", snapshot)
		}
	}

	waitFor(t, time.Second, func() bool { return registry.Count("alice") == 2 })

	c1.Close()
	waitFor(t, time.Second, func() bool { return registry.Count("alice") == 1 })

	c2.Close()
	waitFor(t, time.Second, func() bool { return !registry.HasUser("alice") })
}

func TestHub_BroadcastIsolation(t *testing.T) {
	_, _, srv := newTestHub(t, time.Hour)

	tabA := dial(t, srv, "alice-token")
	tabB := dial(t, srv, "alice-token")
	bob := dial(t, srv, "bob-token")

	readFrame(t, tabA)
	readFrame(t, tabB)
	readFrame(t, bob)

	payload := `{"type":"balance","data":{"amount":20}}`
	if err := tabA.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for _, conn := range []*websocket.Conn{tabA, tabB} {
		msg := readFrame(t, conn)
		if msg.Type != models.MessageBalance {
			t.Fatalf("expected balance frame, got %q", msg.Type)
		}
		var state models.BalanceState
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			t.Fatalf("unmarshal balance state: %v", err)
		}
		if state.Balance != 20 {
			t.Fatalf("expected balance 20, got %d", state.Balance)
		}
	}

	expectSilence(t, bob, 200*time.Millisecond)
}

func TestHub_MalformedMessage(t *testing.T) {
	_, _, srv := newTestHub(t, time.Hour)

	conn := dial(t, srv, "alice-token")
	sibling := dial(t, srv, "alice-token")
	readFrame(t, conn)
	readFrame(t, sibling)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown_type","data":{}}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != models.MessageError {
		t.Fatalf("expected error frame, got %q", msg.Type)
	}
	var errPayload models.ErrorPayload
	if err := json.Unmarshal(msg.Data, &errPayload); err != nil {
		t.Fatalf("error payload is not an object: %v", err)
	}
	if errPayload.Message != "unknown message type" {
		t.Fatalf("unexpected error message %q", errPayload.Message)
	}

	// The sender gets exactly one error; nobody is broadcast to.
	expectSilence(t, conn, 200*time.Millisecond)
	expectSilence(t, sibling, 200*time.Millisecond)
}

// slowLedger stalls Apply until the handler's context gives up.
type slowLedger struct {
	*fakeLedger
}

func (s *slowLedger) Apply(ctx context.Context, userID, txType string, amount int64) (*models.ApplyResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHub_InboundHandlerTimeout(t *testing.T) {
	_, _, srv := newTestHubWithLedger(t, time.Hour, 50*time.Millisecond, &slowLedger{newFakeLedger()})

	conn := dial(t, srv, "alice-token")
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"balance","data":{"amount":20}}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != models.MessageError {
		t.Fatalf("expected error frame, got %q", msg.Type)
	}
	var errPayload models.ErrorPayload
	if err := json.Unmarshal(msg.Data, &errPayload); err != nil {
		t.Fatalf("error payload is not an object: %v", err)
	}
	if !strings.Contains(errPayload.Message, "deadline") {
		t.Fatalf("expected a deadline error, got %q", errPayload.Message)
	}
}

func TestHub_InsufficientFundsAnswersSenderOnly(t *testing.T) {
	_, _, srv := newTestHub(t, time.Hour)

	conn := dial(t, srv, "alice-token")
	sibling := dial(t, srv, "alice-token")
	readFrame(t, conn)
	readFrame(t, sibling)

	payload := fmt.Sprintf(`{"type":"transaction","data":{"type":%q,"amount":50}}`, models.TypeWithdrawal)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != models.MessageError {
		t.Fatalf("expected error frame, got %q", msg.Type)
	}
	expectSilence(t, sibling, 200*time.Millisecond)
}

func TestHub_HeartbeatReapsDeadConnection(t *testing.T) {
	hub, registry, srv := newTestHub(t, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, srv, "alice-token")
	readFrame(t, conn)
	waitFor(t, time.Second, func() bool { return registry.Count("alice") == 1 })

	// Stop reading: pings are never answered, so the sweep must reap
	// the connection within two intervals.
	waitFor(t, time.Second, func() bool { return !registry.HasUser("alice") })
}
