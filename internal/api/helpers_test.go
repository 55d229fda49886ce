package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nameshigawa/bboxviewer/internal/cache"
	"github.com/nameshigawa/bboxviewer/internal/composition"
	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/dispatcher"
	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/internal/playback"
	"github.com/nameshigawa/bboxviewer/internal/server"
	"github.com/nameshigawa/bboxviewer/internal/storage/memory"
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

// newViewer starts a full viewer on an httptest server.
func newViewer(t *testing.T, apiKey string) (*httptest.Server, *handlers.Service) {
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

	srv := server.New(server.Options{
		Service:    svc,
		Dispatcher: d,
		Player:     player,
		Export:     config.ExportConfig{OutputDir: t.TempDir()},
		APIKey:     apiKey,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}
