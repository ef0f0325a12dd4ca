package server

import (
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/database"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to localhost by default; origin filtering happens
		// in the CORS layer for the REST surface
		return true
	},
}

const (
	logPollInterval = 500 * time.Millisecond
	writeWait       = 10 * time.Second
)

// streamScanLog upgrades to a websocket and tails the scan's log file,
// pushing appended chunks as they arrive. The stream closes once the scan
// reaches a terminal state and the file is fully drained.
func (s *Server) streamScanLog(c *gin.Context) {
	record, err := s.scanMgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if record.LogPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log for this scan"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WARNING] WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain client reads so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	f, err := os.Open(record.LogPath)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "log unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer f.Close()

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	buf := make([]byte, 32*1024)
	for {
		drained := true
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, buf[:n]); err != nil {
					return
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return
			}
			if n == len(buf) {
				drained = false
				continue
			}
			break
		}

		if drained {
			record, err := s.scanMgr.Get(c.Param("id"))
			if err != nil || record.Terminal() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, terminalReason(record)),
					time.Now().Add(writeWait))
				return
			}
		}

		select {
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}

func terminalReason(record *database.ScanRecord) string {
	if record == nil {
		return "gone"
	}
	return record.Status
}
