package server

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/aitown/townsim/sim"
)

// ============================================================================
// FRAME SERIALIZATION - size sanitation and chunked send
// ============================================================================

const (
	// chunkLimit is the largest serialized document sent as a single text
	// frame. Anything longer is split across consecutive frames; the client
	// buffers until a complete JSON value parses.
	chunkLimit = 200_000

	maxStringRunes = 8_000
	maxListItems   = 600
)

const listTruncatedMark = "...(清單過長，已截斷)"

// sendFrame serializes a frame, shrinks oversized payloads and writes the
// result as one or more text frames under the send lock.
func (s *session) sendFrame(f sim.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(payload) > chunkLimit {
		if slim, err := shrinkPayload(payload); err == nil {
			payload = slim
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for len(payload) > 0 {
		n := len(payload)
		if n > chunkLimit {
			n = runeBoundary(payload, chunkLimit)
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// shrinkPayload re-encodes the document with long strings truncated and very
// long lists trimmed to a marker tail item.
func shrinkPayload(payload []byte) ([]byte, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(trimValue(doc))
}

func trimValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		runes := []rune(val)
		if len(runes) > maxStringRunes {
			return string(runes[:maxStringRunes]) + "…"
		}
		return val
	case []interface{}:
		if len(val) > maxListItems {
			trimmed := append([]interface{}(nil), val[:maxListItems]...)
			val = append(trimmed, listTruncatedMark)
		}
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = trimValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = trimValue(item)
		}
		return out
	default:
		return v
	}
}

// runeBoundary backs the split point off to the nearest UTF-8 rune start so a
// chunk never ends mid-codepoint.
func runeBoundary(b []byte, limit int) int {
	n := limit
	for n > 0 && b[n]&0xC0 == 0x80 {
		n--
	}
	if n == 0 {
		return limit
	}
	return n
}
