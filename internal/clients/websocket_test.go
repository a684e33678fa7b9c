package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fee-ledger/internal/domain"
	"fee-ledger/internal/ledger"
	ws "fee-ledger/internal/transport/websocket"
	"fee-ledger/pkg/money"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectOperator(t *testing.T, operator string) (*WebSocketClient, *websocket.Conn) {
	t.Helper()

	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, operator)
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Connected(operator) == 1 }, time.Second, 10*time.Millisecond)
	return NewWebSocketClient(hub), conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (ws.Message, map[string]any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok, "data should be an object, got %T", msg.Data)
	return msg, data
}

func TestWebSocketClient_NotifyPaymentRecorded(t *testing.T) {
	client, conn := connectOperator(t, "bursar")

	err := client.NotifyPaymentRecorded(context.Background(), "bursar", domain.Payment{
		ID:        "pay-1",
		PlanID:    "plan-1",
		Mode:      ledger.ModePartial,
		TotalPaid: money.MustParse("200"),
	})
	require.NoError(t, err)

	msg, data := readMessage(t, conn)
	assert.Equal(t, "payment_recorded", msg.Type)
	assert.Equal(t, "fee_plan#plan-1", msg.Channel)
	assert.Equal(t, "pay-1", data["payment_id"])
	assert.Equal(t, "partial", data["mode"])
	assert.Equal(t, 200.0, data["total_paid"])
}

func TestWebSocketClient_ExportLifecycle(t *testing.T) {
	client, conn := connectOperator(t, "bursar")
	ctx := context.Background()

	for _, p := range []float64{10, 50, 95} {
		require.NoError(t, client.NotifyExportProgress(ctx, "bursar", "exports:1", p, "generating"))
		msg, data := readMessage(t, conn)
		assert.Equal(t, "export_progress", msg.Type)
		assert.Equal(t, p, data["progress"])
		assert.Equal(t, "generating", data["stage"])
	}

	require.NoError(t, client.NotifyExportComplete(ctx, "bursar", "exports:1", "/files/x_statement.xlsx", "statement.xlsx"))
	msg, data := readMessage(t, conn)
	assert.Equal(t, "export_complete", msg.Type)
	assert.Equal(t, "export_complete#bursar", msg.Channel)
	assert.Equal(t, "/files/x_statement.xlsx", data["url"])

	require.NoError(t, client.NotifyExportFailed(ctx, "bursar", "exports:2", "upload failed"))
	msg, data = readMessage(t, conn)
	assert.Equal(t, "export_failed", msg.Type)
	assert.Equal(t, "upload failed", data["message"])
}

func TestWebSocketClient_NotifyOverdue(t *testing.T) {
	client, conn := connectOperator(t, "bursar")

	require.NoError(t, client.NotifyOverdue(context.Background(), "bursar", "plan-9", 2, money.MustParse("333.33")))

	msg, data := readMessage(t, conn)
	assert.Equal(t, "installment_overdue", msg.Type)
	assert.Equal(t, 2.0, data["sequence_no"])
	assert.Equal(t, 333.33, data["remaining_amount"])
}

func TestWebSocketClient_NilHub(t *testing.T) {
	client := NewWebSocketClient(nil)
	ctx := context.Background()

	assert.NoError(t, client.NotifyExportProgress(ctx, "bursar", "exports:1", 50, ""))
	assert.NoError(t, client.NotifyPaymentRecorded(ctx, "bursar", domain.Payment{}))

	var nilClient *WebSocketClient
	assert.NoError(t, nilClient.NotifyExportFailed(ctx, "bursar", "exports:1", "boom"))
}
