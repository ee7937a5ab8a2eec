package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitown/townsim/agent"
	"github.com/aitown/townsim/llm"
	"github.com/aitown/townsim/schedule"
	"github.com/aitown/townsim/sim"
)

// stubLLM answers every reasoning call with the caller's fallback.
type stubLLM struct {
	mu  sync.Mutex
	log *llm.RingLog
}

func newStubLLM() *stubLLM { return &stubLLM{log: llm.NewRingLog()} }

func (s *stubLLM) Call(_ context.Context, _ string, _ []string, _ string, fallback interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fallback
}

func (s *stubLLM) Log() *llm.RingLog { return s.log }

const presetDoc = `{
	"ISTJ": {
		"weeklySchedule": {"Monday": "讀書日"},
		"dailySchedule": [
			{"time": "07:00", "action": "起床", "target": "Apartment_F1"},
			{"time": "08:00", "action": "學習", "target": "School"},
			{"time": "20:00", "action": "睡覺", "target": "Apartment_F1"}
		]
	}
}`

func testServices(t *testing.T) sim.Services {
	t.Helper()
	store, err := schedule.ParseStore([]byte(presetDoc))
	require.NoError(t, err)
	return sim.Services{
		LLM:       newStubLLM(),
		Schedules: store,
		Tuning:    agent.DefaultTuning(),
	}
}

// dialTestServer spins up the WebSocket endpoint and returns a connected
// client.
func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	srv := New(Config{MotionInterval: 50 * time.Millisecond}, testServices(t))
	ts := httptest.NewServer(http.HandlerFunc(srv.handleClient))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame buffers text messages until a complete JSON frame parses.
func readFrame(t *testing.T, conn *websocket.Conn) sim.Frame {
	t.Helper()
	var buf []byte
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(15*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		buf = append(buf, payload...)
		var f sim.Frame
		if err := json.Unmarshal(buf, &f); err == nil {
			return f
		}
	}
}

// ============================================================================
// COMMAND DISPATCH
// ============================================================================

func TestUnknownCommandReturnsError(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"command": "bogus"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "未知指令")
}

func TestTeleportBeforeStartReturnsError(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"command":            "agent_teleport",
		"agent_name":         "ISTJ",
		"target_portal_name": "公寓大門_室內",
	}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "尚未開始模擬")
}

func TestMalformedPayloadReturnsError(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "無法解析指令")
}

func TestInvalidStartParamsReturnsError(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"command": "start_simulation",
		"params":  map[string]interface{}{"duration": 10},
	}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "啟動參數無效")
}

// ============================================================================
// END-TO-END RUN
// ============================================================================

func TestStartSimulationStreamsRunToEnd(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"command": "start_simulation",
		"params": map[string]interface{}{
			"duration":   60,
			"step":       30,
			"year":       2024,
			"month":      11,
			"day":        18,
			"hour":       3,
			"minute":     0,
			"mbti":       []string{"ISTJ"},
			"locations":  []string{"Apartment_F1", "School", "Exterior"},
			"use_preset": true,
		},
	}))

	var types []string
	var updates []json.RawMessage
	for {
		f := readFrame(t, conn)
		if f.Type == "motion" {
			continue
		}
		types = append(types, f.Type)
		if f.Type == "update" {
			raw, err := json.Marshal(f.Data)
			require.NoError(t, err)
			updates = append(updates, raw)
		}
		if f.Type == "end" {
			break
		}
	}

	assert.Equal(t, "status", types[0])
	require.Len(t, updates, 2)
	assert.Equal(t, "evaluation", types[len(types)-2])
	assert.Equal(t, "end", types[len(types)-1])

	var data struct {
		StepID      int                        `json:"stepId"`
		AgentStates map[string]json.RawMessage `json:"agentStates"`
		Status      string                     `json:"status"`
	}
	require.NoError(t, json.Unmarshal(updates[0], &data))
	assert.Equal(t, 0, data.StepID)
	assert.Equal(t, "Normal", data.Status)
	assert.Contains(t, data.AgentStates, "ISTJ")
}

func TestRestartCancelsPriorRun(t *testing.T) {
	conn := dialTestServer(t)

	params := map[string]interface{}{
		"duration":   600,
		"step":       30,
		"year":       2024,
		"month":      11,
		"day":        18,
		"hour":       3,
		"minute":     0,
		"mbti":       []string{"ISTJ"},
		"locations":  []string{"Apartment_F1", "School", "Exterior"},
		"use_preset": true,
	}
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"command": "start_simulation", "params": params,
	}))
	f := readFrame(t, conn)
	assert.Equal(t, "status", f.Type)

	// A second start supersedes the first; the stream eventually carries the
	// new run through to its end frame.
	params["duration"] = 30
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"command": "start_simulation", "params": params,
	}))
	sawEnd := false
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == "end" {
			sawEnd = true
			break
		}
	}
	assert.True(t, sawEnd)
}

// ============================================================================
// FRAME SANITATION & CHUNKING
// ============================================================================

func TestTrimValueTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("甲", maxStringRunes+500)
	out := trimValue(long).(string)
	assert.Equal(t, maxStringRunes+1, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestTrimValueTrimsLongLists(t *testing.T) {
	list := make([]interface{}, maxListItems+50)
	for i := range list {
		list[i] = "x"
	}
	out := trimValue(list).([]interface{})
	require.Len(t, out, maxListItems+1)
	assert.Equal(t, listTruncatedMark, out[maxListItems])
}

func TestTrimValueRecursesIntoMaps(t *testing.T) {
	doc := map[string]interface{}{
		"inner": map[string]interface{}{
			"text": strings.Repeat("a", maxStringRunes+10),
		},
	}
	out := trimValue(doc).(map[string]interface{})
	inner := out["inner"].(map[string]interface{})
	assert.Equal(t, maxStringRunes+1, len([]rune(inner["text"].(string))))
}

func TestRuneBoundaryNeverSplitsCodepoints(t *testing.T) {
	b := []byte(strings.Repeat("測", 100))
	for limit := 1; limit < len(b); limit++ {
		n := runeBoundary(b, limit)
		assert.Zero(t, n%3, "limit %d split mid-rune at %d", limit, n)
	}
}

func TestOversizedFrameIsChunkedAndReassembles(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	server := <-connCh
	t.Cleanup(func() { server.Close() })

	// Many medium strings survive sanitation, so the serialized document
	// stays above one chunk.
	payload := make(map[string]string, 300)
	for i := 0; i < 300; i++ {
		payload[string(rune('a'+i%26))+string(rune('0'+i%10))+string(rune('A'+i/26%26))] = strings.Repeat("訊", 400)
	}
	sess := &session{conn: server}
	require.NoError(t, sess.sendFrame(sim.Frame{Type: "update", Data: payload}))

	var buf []byte
	var got sim.Frame
	frames := 0
	for {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(10*time.Second)))
		_, chunk, err := client.ReadMessage()
		require.NoError(t, err)
		frames++
		buf = append(buf, chunk...)
		if json.Unmarshal(buf, &got) == nil {
			break
		}
	}
	assert.Greater(t, frames, 1)
	assert.Equal(t, "update", got.Type)
	data := got.Data.(map[string]interface{})
	assert.Len(t, data, 300)
}

// ============================================================================
// MOTION LOOP
// ============================================================================

func motionTestAgent(t *testing.T, name string) *agent.Agent {
	t.Helper()
	profile := agent.DefaultProfile(name)
	return agent.New(profile, "Apartment_F1", nil, agent.Services{
		LLM:    newStubLLM(),
		Tuning: agent.DefaultTuning(),
	})
}

func TestBuildMotionFrameDebouncesWhenIdle(t *testing.T) {
	a := motionTestAgent(t, "ISTJ")
	_, ok := buildMotionFrame([]*agent.Agent{a}, nil)
	assert.False(t, ok)
}

func TestBuildMotionFrameHonorsExplicitThinking(t *testing.T) {
	a := motionTestAgent(t, "ISTJ")
	frame, ok := buildMotionFrame([]*agent.Agent{a}, map[string]bool{"ISTJ": true})
	require.True(t, ok)
	data := frame.Data.(MotionData)
	require.Len(t, data.MicroMotions, 1)
	m := data.MicroMotions[0]
	assert.Equal(t, "ISTJ", m.Agent)
	assert.Contains(t, []string{"wander", "lookaround", "slow_walk_to_temp"}, m.Mode)
	if m.Mode == "slow_walk_to_temp" {
		assert.NotEmpty(t, m.TempTarget)
		assert.Equal(t, 0.3, m.ArriveTolerance)
	}
}

func TestBuildMotionFrameTracksInternalFlag(t *testing.T) {
	a := motionTestAgent(t, "ENFJ")
	a.EnterThinking()
	defer a.ExitThinking()

	frame, ok := buildMotionFrame([]*agent.Agent{a}, nil)
	require.True(t, ok)
	assert.Len(t, frame.Data.(MotionData).MicroMotions, 1)
}
