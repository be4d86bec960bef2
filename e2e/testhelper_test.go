package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/videopose/posekeys/internal/decoder"
	"github.com/videopose/posekeys/internal/handler"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/internal/service"
)

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	progress *service.ProgressService
}

// setupApp creates a Fiber app with the same routes as cmd/server, backed by
// DB 15 of a local redis. Tests are skipped when redis is not running.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	progress := service.NewProgressService(redisClient, time.Minute)
	statusHandler := handler.NewStatusHandler(progress, validator.New())

	app := fiber.New(fiber.Config{UnescapePath: true})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":    true,
				"store":    false,
				"detector": false,
				"worker":   false,
			},
		})
	})

	runs := app.Group("/api/runs")
	runs.Get("/:runId", statusHandler.Run)
	runs.Get("/:runId/items", statusHandler.Items)
	runs.Get("/:runId/items/:identity", statusHandler.Item)

	return &testApp{app: app, progress: progress}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		return nil, err
	}
	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := readBody(t, resp)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// writeVideo creates a non-empty placeholder source file
func writeVideo(t *testing.T, dir, name string) model.Item {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("not really a video"), 0644); err != nil {
		t.Fatal(err)
	}
	return model.Item{Identity: model.IdentityFromPath(p), Path: p}
}

// fakeSource decodes every file into n black frames, except names starting
// with "broken" which fail to probe.
type fakeSource struct{ n int }

func (s fakeSource) Probe(ctx context.Context, path string) (model.Resolution, error) {
	if strings.HasPrefix(filepath.Base(path), "broken") {
		return model.Resolution{}, &model.ProbeError{Path: path, Err: errors.New("no video stream found")}
	}
	return model.Resolution{Width: 4, Height: 4}, nil
}

func (s fakeSource) Open(ctx context.Context, path string, res model.Resolution) (decoder.Stream, error) {
	return &fakeStream{res: res, n: s.n}, nil
}

type fakeStream struct {
	res  model.Resolution
	n, i int
}

func (s *fakeStream) Next() (model.Frame, error) {
	if s.i >= s.n {
		return model.Frame{}, io.EOF
	}
	f := model.Frame{Index: s.i, Width: s.res.Width, Height: s.res.Height, Data: make([]byte, s.res.FrameSize())}
	s.i++
	return f, nil
}

func (s *fakeStream) Close() error { return nil }

// onePerson reports a single detection with two joints on every frame
type onePerson struct{}

func (onePerson) Detect(ctx context.Context, frame model.Frame) (*model.DetectorOutput, error) {
	return &model.DetectorOutput{
		Boxes:     [][]float32{{0, 0, 2, 4}},
		Scores:    []float32{0.9},
		Keypoints: [][][]float32{{{1, 1, 0.8}, {1, 3, 0.7}}},
	}, nil
}
