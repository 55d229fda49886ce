package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameshigawa/bboxviewer/internal/cache"
	"github.com/nameshigawa/bboxviewer/internal/composition"
	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/dispatcher"
	"github.com/nameshigawa/bboxviewer/internal/export"
	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/internal/playback"
	"github.com/nameshigawa/bboxviewer/internal/storage/memory"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

const clipJSON = `{"frames": [
	[{"x": 0, "y": 0, "width": 10, "height": 10}],
	[{"x": 10, "y": 0, "width": 10, "height": 10}],
	[]
]}`

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type testEnv struct {
	srv      *Server
	svc      *handlers.Service
	recorder *playback.Recorder
	outDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := handlers.NewService(handlers.Dependencies{
		Storage:  memory.New(),
		Sources:  cache.NewSourceCache(),
		ShapeIDs: cache.NewShapeIDCache(),
		Tracks:   cache.NewTrackCache(),
	}, composition.NewContext())

	d, err := dispatcher.New(nopLogger{})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	handlers.Register(context.Background(), d, svc)

	player := playback.NewPlayer(svc, nil, playback.WithInterval(time.Millisecond))
	t.Cleanup(player.Stop)

	env := &testEnv{svc: svc, recorder: playback.NewRecorder(0), outDir: t.TempDir()}
	env.srv = New(Options{
		Service:    svc,
		Dispatcher: d,
		Player:     player,
		Recorder:   env.recorder,
		Export:     config.ExportConfig{OutputDir: env.outDir},
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// loadClip uploads clipJSON, selects it and registers BBox_0.
func (e *testEnv) loadClip(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/sources/clip", clipJSON).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/controller", `{"source": "clip"}`).Code)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/shapes", `{"name": "BBox_0"}`).Code)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok", "clients": 0}`, rec.Body.String())
}

func TestSources_UploadListDelete(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/sources/clip", clipJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"name": "clip", "frames": 3, "maxBoxes": 1}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/sources", "")
	assert.JSONEq(t, `{"sources": ["clip"]}`, rec.Body.String())

	rec = e.do(t, http.MethodDelete, "/api/sources/clip", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/sources", "")
	assert.JSONEq(t, `{"sources": []}`, rec.Body.String())
}

func TestSources_UploadMultipart(t *testing.T) {
	e := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "clip.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(clipJSON))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/sources/multi", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, r)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3.0, decode[map[string]any](t, rec)["frames"])
}

func TestSources_UploadErrors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/sources/clip", `{"frames": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/sources/a%5Cb", clipJSON)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a document without frames is an empty source, not an error
	rec = e.do(t, http.MethodPost, "/api/sources/empty", `{"meta": 1}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0.0, decode[map[string]any](t, rec)["frames"])
}

func TestController_GetPut(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/controller", "")
	assert.Equal(t, core.DefaultController(), decode[core.Controller](t, rec))

	rec = e.do(t, http.MethodPut, "/api/controller", `{"visible": false, "strokeWidth": 3.5, "strokeColor": {"r": 1, "g": 0, "b": 0.25}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[core.Controller](t, rec)
	assert.False(t, got.Visible)
	assert.Equal(t, 3.5, got.StrokeWidth)
	assert.Equal(t, core.Color{R: 1, B: 0.25}, got.StrokeColor)

	rec = e.do(t, http.MethodPut, "/api/controller", `{"strokeWidth": -2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/controller", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFrameRate(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/framerate", `{"fps": 24}`).Code)
	assert.Equal(t, 24.0, e.svc.GetContext().FrameRate())

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/api/framerate", `{"fps": 0}`).Code)
}

func TestShapes(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/shapes", `{"name": "Person 4", "rest": {"x": 1, "y": 2}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"name": "Person 4", "id": 4}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/shapes", "")
	assert.JSONEq(t, `{"shapes": [{"name": "Person 4", "id": 4, "rest": {"x": 1, "y": 2}}]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/shapes", `{}`).Code)
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/shapes/Person%204", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/shapes/Person%204", "").Code)
}

func TestEvaluate(t *testing.T) {
	e := newTestEnv(t)
	e.loadClip(t)

	rec := e.do(t, http.MethodGet, "/api/evaluate/BBox_0?time=0", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[streaming.ShapeState](t, rec)
	assert.True(t, res.BoxPresent)
	assert.Equal(t, core.Vec2{X: 5, Y: 5}, res.Position)

	// frame 2 has no box: hidden, position held
	rec = e.do(t, http.MethodGet, "/api/evaluate/BBox_0?time=0.07", "")
	res = decode[streaming.ShapeState](t, rec)
	assert.Equal(t, 2, res.Frame)
	assert.False(t, res.BoxPresent)
	assert.Equal(t, 0.0, res.Opacity)

	rec = e.do(t, http.MethodGet, "/api/evaluate?time=0.04", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[struct {
		Time   float64                `json:"time"`
		Shapes []streaming.ShapeState `json:"shapes"`
	}](t, rec)
	require.Len(t, all.Shapes, 1)
	assert.Equal(t, core.Vec2{X: 15, Y: 5}, all.Shapes[0].Position)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/evaluate/BBox_9?time=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/evaluate/BBox_0", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/evaluate?time=soon", "").Code)
}

func TestTimeline(t *testing.T) {
	e := newTestEnv(t)
	e.loadClip(t)

	rec := e.do(t, http.MethodGet, "/api/timeline", "")
	assert.JSONEq(t, `{"source": "clip", "frameRate": 30, "frames": 3}`, rec.Body.String())
}

func TestCommand(t *testing.T) {
	e := newTestEnv(t)
	e.loadClip(t)

	rec := e.do(t, http.MethodPost, "/api/command", `{"command": ":EVAL:", "args": ["\"BBox_0\"", "0"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Command string               `json:"command"`
		Result  streaming.ShapeState `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, ":EVAL:", res.Command)
	assert.True(t, res.Result.BoxPresent)

	rec = e.do(t, http.MethodPost, "/api/command", `{"command": ":NOPE:", "args": []}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/command", `{"command": ":EVAL:", "args": ["BBox_0"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, []any{"error", ":EVAL:", body["error"]}, body["reply"])
}

func TestBake(t *testing.T) {
	e := newTestEnv(t)
	e.loadClip(t)

	rec := e.do(t, http.MethodPost, "/api/bake", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, 3.0, body["frames"])

	path := body["path"].(string)
	_, err := os.Stat(path)
	require.NoError(t, err)

	doc, err := export.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "clip", doc.Source)
	require.Len(t, doc.Shapes, 1)
	assert.Len(t, doc.Shapes[0].Keyframes, 3)
}

func TestPlayback_HTTP(t *testing.T) {
	e := newTestEnv(t)

	// nothing loaded
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/playback", "").Code)

	e.loadClip(t)
	rec := e.do(t, http.MethodPost, "/api/playback", `{"start": 0, "end": 0}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool { return e.recorder.Len() == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/playback", "").Code)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errorStatus(handlers.ErrUnknownShape, 500))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(handlers.ErrNoStorage, 500))
	assert.Equal(t, http.StatusBadRequest, errorStatus(playback.ErrEmptyTimeline, 500))
	assert.Equal(t, http.StatusTeapot, errorStatus(assert.AnError, http.StatusTeapot))
}

// WebSocket

func dialWS(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, msgType, id string, payload any) {
	t.Helper()
	env, err := streaming.NewEnvelope(msgType, id, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readEnv(t *testing.T, conn *websocket.Conn) streaming.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env streaming.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips frame broadcasts until a message of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) streaming.Envelope {
	t.Helper()
	for {
		env := readEnv(t, conn)
		if env.Type == msgType {
			return env
		}
	}
}

func TestWS_Commands(t *testing.T) {
	e := newTestEnv(t)
	e.loadClip(t)
	conn := dialWS(t, e)

	sendEnv(t, conn, streaming.TypeCommand, "1", streaming.CommandRequest{Command: ":EVAL:ALL:", Args: []string{"0"}})
	env := readEnv(t, conn)
	assert.Equal(t, streaming.TypeResult, env.Type)
	assert.Equal(t, "1", env.ID)

	var res struct {
		Result []streaming.ShapeState `json:"result"`
	}
	require.NoError(t, env.Decode(&res))
	require.Len(t, res.Result, 1)
	assert.Equal(t, "BBox_0", res.Result[0].Name)

	sendEnv(t, conn, streaming.TypeCommand, "2", streaming.CommandRequest{Command: ":SHAPE:REMOVE:", Args: []string{"nope"}})
	env = readEnv(t, conn)
	assert.Equal(t, streaming.TypeError, env.Type)
	assert.Equal(t, "2", env.ID)
	var msg streaming.ErrorMessage
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, ":SHAPE:REMOVE:", msg.Command)
	assert.Contains(t, msg.Message, "unknown shape")

	sendEnv(t, conn, "dance", "3", nil)
	env = readEnv(t, conn)
	assert.Equal(t, streaming.TypeError, env.Type)
	assert.Equal(t, "3", env.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	env = readEnv(t, conn)
	assert.Equal(t, streaming.TypeError, env.Type)
}

func TestWS_PlaybackFrames(t *testing.T) {
	e := newTestEnv(t)
	e.loadClip(t)
	conn := dialWS(t, e)
	require.Eventually(t, func() bool { return e.srv.ClientCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	sendEnv(t, conn, streaming.TypePlay, "p", streaming.PlayRequest{})

	var frames []int
	var acked bool
	for len(frames) < 3 || !acked {
		env := readEnv(t, conn)
		switch env.Type {
		case streaming.TypeAck:
			var ack streaming.AckMessage
			require.NoError(t, env.Decode(&ack))
			assert.Equal(t, streaming.TypePlay, ack.For)
			acked = true
		case streaming.TypeFrame:
			var u streaming.FrameUpdate
			require.NoError(t, env.Decode(&u))
			assert.Equal(t, "clip", u.Source)
			frames = append(frames, u.Frame)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, frames)

	sendEnv(t, conn, streaming.TypeStop, "s", nil)
	env := readUntil(t, conn, streaming.TypeAck)
	assert.Equal(t, "s", env.ID)
}

func TestWS_PlayWithoutSource(t *testing.T) {
	e := newTestEnv(t)
	conn := dialWS(t, e)

	sendEnv(t, conn, streaming.TypePlay, "p", nil)
	env := readEnv(t, conn)
	assert.Equal(t, streaming.TypeError, env.Type)
	assert.Equal(t, "p", env.ID)
}

func TestAPIKey(t *testing.T) {
	e := newTestEnv(t)
	e.srv.apiKey = "hunter2"

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/sources", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/sources?secret=hunter2", "").Code)

	r := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	r.Header.Set(APIKeyHeader, "hunter2")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}
