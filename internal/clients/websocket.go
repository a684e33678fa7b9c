package clients

import (
	"context"
	"fmt"

	"fee-ledger/internal/domain"
	ws "fee-ledger/internal/transport/websocket"
	"fee-ledger/pkg/money"
)

// WebSocketClient pushes ledger events to operators connected to the hub.
// A nil hub turns every notification into a no-op.
type WebSocketClient struct {
	hub *ws.Hub
}

func NewWebSocketClient(hub *ws.Hub) *WebSocketClient {
	return &WebSocketClient{hub: hub}
}

func (c *WebSocketClient) send(operator, typ, channel string, data map[string]any) error {
	if c == nil || c.hub == nil || operator == "" {
		return nil
	}
	c.hub.Broadcast(operator, &ws.Message{Type: typ, Channel: channel, Data: data})
	return nil
}

// sendPlan also reaches other operators watching the plan's channel.
func (c *WebSocketClient) sendPlan(operator, typ, planID string, data map[string]any) error {
	if c == nil || c.hub == nil {
		return nil
	}
	channel := PlanChannel(planID)
	if err := c.send(operator, typ, channel, data); err != nil {
		return err
	}
	c.hub.Publish(operator, &ws.Message{Type: typ, Channel: channel, Data: data})
	return nil
}

// PlanChannel names the websocket channel carrying a plan's events.
func PlanChannel(planID string) string {
	return "fee_plan#" + planID
}

func (c *WebSocketClient) NotifyPaymentRecorded(ctx context.Context, operator string, p domain.Payment) error {
	return c.sendPlan(operator, "payment_recorded", p.PlanID, map[string]any{
		"payment_id":                  p.ID,
		"plan_id":                     p.PlanID,
		"mode":                        p.Mode,
		"total_paid":                  p.TotalPaid,
		"total_discount":              p.TotalDiscount,
		"total_carry_forward_applied": p.TotalCarryForwardApplied,
		"total_carried_forward":       p.TotalCarriedForward,
	})
}

func (c *WebSocketClient) NotifyOverdue(ctx context.Context, operator string, planID string, sequenceNo int, remaining money.Money) error {
	return c.sendPlan(operator, "installment_overdue", planID, map[string]any{
		"plan_id":          planID,
		"sequence_no":      sequenceNo,
		"remaining_amount": remaining,
	})
}

func (c *WebSocketClient) NotifyExportProgress(ctx context.Context, operator, exportID string, progress float64, stage string) error {
	data := map[string]any{
		"id":       exportID,
		"progress": progress,
	}
	if stage != "" {
		data["stage"] = stage
	}
	return c.send(operator, "export_progress", fmt.Sprintf("export_progress#%s", operator), data)
}

func (c *WebSocketClient) NotifyExportComplete(ctx context.Context, operator, exportID, url, filename string) error {
	return c.send(operator, "export_complete", fmt.Sprintf("export_complete#%s", operator), map[string]any{
		"id":       exportID,
		"url":      url,
		"filename": filename,
	})
}

func (c *WebSocketClient) NotifyExportFailed(ctx context.Context, operator, exportID, errMsg string) error {
	return c.send(operator, "export_failed", fmt.Sprintf("export_failed#%s", operator), map[string]any{
		"id":      exportID,
		"message": errMsg,
	})
}
