package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cc-relay/cc-relay-server/internal/classifier"
	"github.com/cc-relay/cc-relay-server/internal/translate"
)

// idleStreamTimeout bounds how long pumpSSE will wait between bytes from an
// upstream that has already started a response (spec.md §5 "idle read
// within a stream (60s)").
const idleStreamTimeout = 60 * time.Second

// sseScanner reads Server-Sent Events line by line.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r *bufio.Reader) *sseScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line
	return &sseScanner{scanner: s}
}

// pumpSSE copies upstream's SSE body to the client line by line, extracting
// usage from message_start/message_delta data payloads and reporting
// whether the stream completed cleanly (spec.md §4.6 step 8).
//
// When translated.RewriteStream is set, each event's data payload is run
// through translated.BackConvert and re-framed as a standalone "data: ...\n\n"
// line instead of forwarding the upstream's own event/data framing; this is
// what lets a translated route (openai-chat-completions) emit OpenAI-shaped
// streaming chunks from an Anthropic-shaped upstream stream.
//
// firstByteWritten is set true the moment any byte reaches w. An in-stream
// error event is never failed over, whatever its value.
//
// A terminal "error" event arriving mid-stream is classified the same way a
// non-streaming failure would be; the returned verdict is the classifier's
// raw (non-downgraded) verdict so the caller can still apply the account
// penalty even though the client-visible disposition must stay Surface,
// since bytes have already been written to w. idleStreamTimeout closes the
// upstream body and ends the stream if no line arrives in time, the same as
// a client disconnect.
func pumpSSE(ctx context.Context, w http.ResponseWriter, body *bufio.Reader, usage *Usage, firstByteWritten *bool, resp *http.Response, translated translate.Result) (completed bool, streamErr *classifier.Verdict) {
	flusher, _ := w.(http.Flusher)
	scanner := newSSEScanner(body)
	rewrite := translated.RewriteStream && translated.BackConvert != nil

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	var timedOut atomic.Bool
	activity := make(chan struct{}, 1)
	go idleWatchdog(watchCtx, activity, idleStreamTimeout, func() {
		timedOut.Store(true)
		resp.Body.Close()
	})

	var eventName string
	completed = true
	for scanner.scanner.Scan() {
		select {
		case activity <- struct{}{}:
		default:
		}
		if ctx.Err() != nil {
			completed = false
			break
		}

		line := scanner.scanner.Text()

		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			if !rewrite {
				fmt.Fprintf(w, "%s\n", line)
				*firstByteWritten = true
			}
			continue
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch eventName {
			case "message_start":
				usage.ApplyMessageStart([]byte(data))
			case "message_delta":
				usage.ApplyMessageDelta([]byte(data))
			case "error":
				if streamErr == nil {
					v := classifyStreamErrorEvent(resp.Header, []byte(data))
					downgraded := classifier.Downgrade(v)
					slog.Warn("in-stream error event from upstream",
						"action", v.Action.String(), "reason", v.Reason, "client_disposition", downgraded.Action.String())
					streamErr = &v
				}
			}
			if rewrite {
				converted := translated.BackConvert(resp.StatusCode, resp.Header, []byte(data))
				if len(converted) > 0 {
					fmt.Fprintf(w, "data: %s\n\n", converted)
					*firstByteWritten = true
					if flusher != nil {
						flusher.Flush()
					}
				}
				continue
			}
		default:
			if rewrite {
				continue
			}
		}

		fmt.Fprintf(w, "%s\n", line)
		*firstByteWritten = true
		if line == "" {
			if flusher != nil {
				flusher.Flush()
			}
			eventName = ""
		}
	}
	if timedOut.Load() {
		completed = false
	}
	if rewrite {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	if flusher != nil {
		flusher.Flush()
	}
	return completed, streamErr
}

// idleWatchdog calls onTimeout if no activity arrives within timeout,
// resetting its clock on every received tick.
func idleWatchdog(ctx context.Context, activity <-chan struct{}, timeout time.Duration, onTimeout func()) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			onTimeout()
			return
		}
	}
}

// classifyStreamErrorEvent extracts error.type from an Anthropic in-stream
// error event's data payload and classifies it via the status-code policy
// table (classifier.ClassifyStreamError).
func classifyStreamErrorEvent(headers http.Header, data []byte) classifier.Verdict {
	errorType := gjson.GetBytes(data, "error.type").String()
	return classifier.ClassifyStreamError(errorType, headers, data)
}
