package web

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/logic/capture"
	"github.com/cjeanneret/sortcam/internal/logic/pump"
)

// Snapshot is the body of GET /stats.
type Snapshot struct {
	Pump         pump.Stats     `json:"pump"`
	Trigger      *capture.Stats `json:"trigger,omitempty"`
	TriggerState string         `json:"trigger_state,omitempty"`
	Throughput   string         `json:"throughput"`
	Uptime       string         `json:"uptime"`
}

// StatsFunc returns the current pipeline counters.
type StatsFunc func() Snapshot

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Preview     *Preview
	Stats       StatsFunc
	started     time.Time
}

// NewHandlers creates handlers with the given dependencies.
// A nil stats func makes GET /stats return 503.
func NewHandlers(broadcaster *StatusBroadcaster, preview *Preview, stats StatsFunc) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Preview:     preview,
		Stats:       stats,
		started:     time.Now(),
	}
}

const indexHTML = `<!doctype html>
<html><head><title>sortcam</title></head>
<body>
<img src="/preview.mjpeg" alt="preview">
<pre id="log"></pre>
<script>
const es = new EventSource("/status/stream");
es.onmessage = e => {
  const ev = JSON.parse(e.data);
  document.getElementById("log").textContent += ev.t + " " + ev.l + " " + ev.msg + "\n";
};
</script>
</body></html>
`

// ServeIndex serves a minimal page with the live preview and log.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

// HandleStats returns pump and trigger counters as JSON.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.Stats == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	s := h.Stats()
	elapsed := time.Since(h.started)
	s.Uptime = elapsed.Round(time.Second).String()
	if secs := elapsed.Seconds(); secs > 0 {
		s.Throughput = humanize.Bytes(uint64(float64(s.Pump.BytesOut)/secs)) + "/s"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

// HandlePreviewJPEG serves the latest frame as a single JPEG.
func (h *Handlers) HandlePreviewJPEG(w http.ResponseWriter, r *http.Request) {
	img, seq := h.Preview.Latest()
	if img == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	w.Write(img)
}

// HandlePreviewMJPEG streams frames as multipart/x-mixed-replace.
func (h *Handlers) HandlePreviewMJPEG(w http.ResponseWriter, r *http.Request) {
	mimeWriter := multipart.NewWriter(w)
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	ch, unsub := h.Preview.Subscribe()
	defer unsub()

	send := func(img []byte) bool {
		part, err := mimeWriter.CreatePart(partHeader)
		if err != nil {
			return false
		}
		if _, err := part.Write(img); err != nil {
			debug.Verbose("web: mjpeg client gone: %v", err)
			return false
		}
		return http.NewResponseController(w).Flush() == nil
	}

	if img, _ := h.Preview.Latest(); img != nil && !send(img) {
		return
	}
	for {
		select {
		case img, ok := <-ch:
			if !ok || !send(img) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
