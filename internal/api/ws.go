package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalops/order-execution-engine/internal/execution"
	"github.com/signalops/order-execution-engine/internal/order"
)

const (
	actionExecuteOrder = "execute_order"
	writeWait          = 10 * time.Second
	firstMessageWait   = 30 * time.Second
)

// connectMessage is the first frame a client sends on /api/orders/connect.
type connectMessage struct {
	Action string `json:"action"`
	order.Request
}

// orderUpdates streams one order: the CURRENT_STATE snapshot, then live
// events until the order is terminal.
func (api *RestAPI) orderUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		writeWS(conn, map[string]interface{}{"error": "orderId required"})
		closeWS(conn, websocket.ClosePolicyViolation, "orderId required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drain(conn, cancel)

	watch, err := api.engine.Watch(ctx, orderID)
	if err != nil {
		msg := "could not attach to order"
		if errors.Is(err, order.ErrNotFound) {
			msg = "order not found"
		} else {
			api.logger.Error("attach failed", "order_id", orderID, "err", err)
		}
		writeWS(conn, map[string]interface{}{"error": msg, "orderId": orderID})
		closeWS(conn, websocket.CloseNormalClosure, msg)
		return
	}
	defer watch.Close()

	if err := writeWS(conn, watch.Snapshot); err != nil {
		return
	}
	api.relay(ctx, conn, watch)
}

// connect accepts an order over the socket and streams its progress. The
// watch is attached before the job is queued so no event is missed.
func (api *RestAPI) connect(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(firstMessageWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	var msg connectMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		api.rejectWS(conn, "Invalid message format")
		return
	}
	if msg.Action != actionExecuteOrder {
		api.rejectWS(conn, "Unsupported action: "+msg.Action)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drain(conn, cancel)

	o, watch, err := api.engine.SubmitAndWatch(ctx, msg.Request)
	if err != nil {
		if !order.IsValidation(err) {
			api.logger.Error("websocket submission failed", "err", err)
		}
		api.rejectWS(conn, err.Error())
		return
	}
	defer watch.Close()

	err = writeWS(conn, map[string]interface{}{
		"orderId": o.ID,
		"status":  o.Status.Lower(),
		"message": "Order received and queued",
	})
	if err != nil {
		return
	}
	api.relay(ctx, conn, watch)
}

// relay forwards live events and closes the socket a grace period after
// the terminal one. A client that goes away only detaches the observer.
func (api *RestAPI) relay(ctx context.Context, conn *websocket.Conn, watch *execution.Watch) {
	for ev := range watch.Events() {
		if err := writeWS(conn, ev); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	t := time.NewTimer(api.grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	closeWS(conn, websocket.CloseNormalClosure, "order complete")
}

func (api *RestAPI) rejectWS(conn *websocket.Conn, message string) {
	writeWS(conn, map[string]interface{}{
		"status":  "error",
		"message": message,
	})
	closeWS(conn, websocket.CloseNormalClosure, "")
}

// drain reads and discards client frames so control messages are handled,
// and cancels once the peer is gone.
func drain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeWS(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
