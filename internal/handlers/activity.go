package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const activityWriteTimeout = 5 * time.Second

// ActivityWS streams activity events (idle, active, session start and end)
// to a dashboard subscriber.
func (a *API) ActivityWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[activity] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	if a.Activity == nil {
		conn.Close(websocket.StatusInternalError, "activity stream not available")
		return
	}

	events, cancel := a.Activity.Subscribe()
	defer cancel()

	// Subscribers only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, activityWriteTimeout)
			err := wsjson.Write(writeCtx, conn, e)
			writeCancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
