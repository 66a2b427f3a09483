package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/events"
)

// workerClientMessage is the shape of every message a connected worker
// socket can send: request-history, input, resize, or image (§4.I/§6).
type workerClientMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	MimeType   string `json:"mimeType"`
	FromOffset int64  `json:"fromOffset"`
}

// workerHistoryHandshakeTimeout bounds how long a worker socket waits
// for the client's opening request-history message before failing the
// handshake with ACTIVATION_FAILED.
const workerHistoryHandshakeTimeout = 3 * time.Second

// handleWorkerWS upgrades to a per-worker WebSocket. The client must
// open with {type:"request-history"}; the server attaches a listener
// to the Worker Registry and replies with {type:"history",data} in the
// same critical section the listener is registered in, so the history
// reply and the live stream that follows are contiguous. Once attached
// it accepts input/resize/image messages and streams output/exit/error
// events back until either side closes the connection.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sid")
	workerID := r.PathValue("wid")

	worker, err := s.store.GetWorker(workerID)
	if err != nil || worker.SessionID != sessionID {
		writeError(w, apperr.New(apperr.NotFound, "worker not found"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("server: worker websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sendCh := make(chan []byte, s.cfg.WSSendQueueSize)

	detach, ok := s.attachWorkerHistory(conn, sessionID, workerID, sendCh)
	if !ok {
		return
	}
	defer detach()

	sub := s.hub.Subscribe(uuid.NewString())
	defer s.hub.Unsubscribe(sub)

	done := make(chan struct{})
	go s.workerExitForwarder(sub, sessionID, workerID, sendCh, done)
	go s.workerWriterLoop(conn, sendCh, done)
	s.workerReaderLoop(conn, sessionID, workerID, sendCh)
	close(done)
}

// attachWorkerHistory reads the opening message off conn under a
// handshake deadline, requires it to be request-history, attaches the
// registry listener, and replies with the history payload. On any
// failure it writes an ACTIVATION_FAILED error and returns ok=false.
func (s *Server) attachWorkerHistory(conn *websocket.Conn, sessionID, workerID string, sendCh chan []byte) (detach func(), ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(workerHistoryHandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.writeWorkerError(conn, "ACTIVATION_FAILED", "History request timed out")
		return nil, false
	}

	var msg workerClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "request-history" {
		s.writeWorkerError(conn, "ACTIVATION_FAILED", "expected request-history as the first message")
		return nil, false
	}

	var offset int64
	listener := func(data []byte) {
		payload, err := json.Marshal(map[string]interface{}{
			"type": "output", "data": string(data), "offset": offset,
		})
		offset += int64(len(data))
		if err != nil {
			return
		}
		select {
		case sendCh <- payload:
		default:
		}
	}

	history, startOffset, d, found := s.registry.AttachListener(sessionID, workerID, msg.FromOffset, listener)
	if !found {
		s.writeWorkerError(conn, "ACTIVATION_FAILED", "worker not found")
		return nil, false
	}
	offset = startOffset

	payload, err := json.Marshal(map[string]interface{}{"type": "history", "data": string(history)})
	if err != nil {
		d()
		return nil, false
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		d()
		return nil, false
	}
	return d, true
}

// workerExitForwarder watches the app event hub for this worker's
// worker-exited event and, once seen, translates it into the worker
// socket's own exit message and stops — a worker only exits once.
func (s *Server) workerExitForwarder(sub *events.AppSubscriber, sessionID, workerID string, sendCh chan []byte, done chan struct{}) {
	for {
		select {
		case data, ok := <-sub.Send:
			if !ok {
				return
			}
			var env struct {
				Type      string `json:"type"`
				SessionID string `json:"sessionId"`
				WorkerID  string `json:"workerId"`
				ExitCode  int    `json:"exitCode"`
				Signaled  bool   `json:"signaled"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Type != "worker-exited" || env.SessionID != sessionID || env.WorkerID != workerID {
				continue
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"type": "exit", "exitCode": env.ExitCode, "signal": env.Signaled,
			})
			select {
			case sendCh <- payload:
			default:
			}
			return
		case <-sub.Closed:
			return
		case <-done:
			return
		}
	}
}

func (s *Server) workerWriterLoop(conn *websocket.Conn, sendCh <-chan []byte, done chan struct{}) {
	for {
		select {
		case data, ok := <-sendCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) workerReaderLoop(conn *websocket.Conn, sessionID, workerID string, sendCh chan []byte) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg workerClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			if err := s.registry.WriteInput(sessionID, workerID, []byte(msg.Data)); err != nil {
				s.queueWorkerError(sendCh, "WRITE_FAILED", err.Error())
			}
		case "resize":
			if err := s.registry.Resize(sessionID, workerID, msg.Rows, msg.Cols); err != nil {
				s.queueWorkerError(sendCh, "RESIZE_FAILED", err.Error())
			}
		case "image":
			path, err := s.saveWorkerImage(msg.Data, msg.MimeType)
			if err != nil {
				s.queueWorkerError(sendCh, "IMAGE_SAVE_FAILED", err.Error())
				continue
			}
			if err := s.registry.WriteInput(sessionID, workerID, []byte(path)); err != nil {
				s.queueWorkerError(sendCh, "WRITE_FAILED", err.Error())
			}
		}
	}
}

// saveWorkerImage decodes a base64 image payload and writes it under
// the uploads directory, returning the path to forward as PTY input.
func (s *Server) saveWorkerImage(b64, mimeType string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", apperr.Wrap(apperr.Validation, "decode image data", err)
	}
	uploadsDir := filepath.Join(s.cfg.ConfigRoot, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.Internal, "create uploads dir", err)
	}
	dest := filepath.Join(uploadsDir, uuid.NewString()+extensionForMimeType(mimeType))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", apperr.Wrap(apperr.Internal, "write image upload", err)
	}
	return dest, nil
}

func extensionForMimeType(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

func (s *Server) queueWorkerError(sendCh chan<- []byte, code, message string) {
	payload, _ := json.Marshal(map[string]interface{}{"type": "error", "code": code, "message": message})
	select {
	case sendCh <- payload:
	default:
	}
}

func (s *Server) writeWorkerError(conn *websocket.Conn, code, message string) {
	payload, _ := json.Marshal(map[string]interface{}{"type": "error", "code": code, "message": message})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
