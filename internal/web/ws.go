package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bascula-ng/internal/scale"
)

var (
	// wsPollInterval is how often the current reading is sent when no
	// update was broadcast, so clients also see ok:false states.
	wsPollInterval = 500 * time.Millisecond
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	// The scale is served on a local network to a kiosk UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsReading is one frame on /ws/scale.
type wsReading struct {
	scale.Reading
	Weight float64 `json:"weight"`
	Unit   string  `json:"unit"`
}

func wsFrame(ctl scale.Controller, rd scale.Reading, have bool) any {
	if !have {
		if ctl == nil {
			return failure{OK: false, Reason: reasonNotInitialized}
		}
		rd = ctl.Reading()
	}
	if !rd.OK {
		return failure{OK: false, Reason: rd.Reason}
	}
	return wsReading{Reading: rd, Weight: rd.Grams, Unit: "g"}
}

func scaleSocket(ctl scale.Controller, bc *ReadingBroadcaster) http.Handler {
	return methodHandler(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		id, updates := bc.Subscribe(4)
		defer bc.Unsubscribe(id)

		// Clients only listen; the read loop handles pongs and close frames.
		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(4 << 10)
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("web: websocket read error: %v", err)
					}
					return
				}
			}
		}()

		write := func(v any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(v) == nil
		}

		if _, have := bc.Last(); !have {
			if !write(wsFrame(ctl, scale.Reading{}, false)) {
				return
			}
		}

		poll := time.NewTicker(wsPollInterval)
		defer poll.Stop()
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		sent := false
		for {
			select {
			case <-done:
				return
			case rd, ok := <-updates:
				if !ok {
					return
				}
				if !write(wsFrame(ctl, rd, true)) {
					return
				}
				sent = true
			case <-poll.C:
				if !sent {
					if !write(wsFrame(ctl, scale.Reading{}, false)) {
						return
					}
				}
				sent = false
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
