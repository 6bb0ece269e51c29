package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/services"
)

type RealtimeController struct {
	RT           *services.RealtimeHub
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func NewRealtimeController(rt *services.RealtimeHub, writeTimeout, pingInterval time.Duration, readLimit int64) *RealtimeController {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	if readLimit <= 0 {
		readLimit = 4096
	}
	return &RealtimeController{RT: rt, WriteTimeout: writeTimeout, PingInterval: pingInterval, ReadLimit: readLimit}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // mobile clients send no Origin
}

// GET /ws
func (rc *RealtimeController) Connect(c *gin.Context) {
	uid := currentUser(c)
	log := logger.WithUserID(logger.WithComponent("ws"), uid)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	cl := services.NewWSClient(uid, conn, rc.WriteTimeout)
	rc.RT.Register(uid, cl)
	log.Debug().Int("connections", rc.RT.Count(uid)).Msg("client connected")

	pongWait := 2 * rc.PingInterval
	conn.SetReadLimit(rc.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	// keep connections alive through proxies
	go func() {
		t := time.NewTicker(rc.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := cl.Ping(); err != nil {
					rc.RT.Unregister(uid, cl)
					return
				}
			}
		}
	}()

	// clients never send anything meaningful; the read loop only detects
	// disconnects and processes control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			rc.RT.Unregister(uid, cl)
			log.Debug().Err(err).Msg("client disconnected")
			return
		}
	}
}
