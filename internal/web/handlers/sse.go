package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kozaktomas/polling-kiosk/internal/verification"
)

const sseKeepAlive = 15 * time.Second

// setupSSEConnection sets the event-stream headers. On failure it writes an error
// response and returns false.
func setupSSEConnection(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// isStreamDone reports whether no further notice can follow n. A SUCCESS session
// may still be revoked, so its terminal notice does not end the stream.
func isStreamDone(n verification.Notice) bool {
	switch n.Type {
	case verification.NoticeRevoked:
		return true
	case verification.NoticeTerminal:
		return n.State.Final()
	}
	return false
}

// streamNotices forwards session notices until the session ends, the client
// disconnects, or the notice channel closes.
func streamNotices(w http.ResponseWriter, r *http.Request, flusher http.Flusher, notices <-chan verification.Notice) {
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case n, ok := <-notices:
			if !ok {
				sendSSEEvent(w, flusher, "closed", map[string]string{"status": "closed"})
				return
			}
			sendSSEEvent(w, flusher, string(n.Type), n)
			if isStreamDone(n) {
				return
			}
		}
	}
}
