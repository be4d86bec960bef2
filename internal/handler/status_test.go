package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/pkg/response"
)

const testRunID = "6f1c1a52-2f7e-4c6b-9d8e-0c8f5d2a9b11"

type fakeRunStore struct {
	runs  map[string]*model.Run
	items map[string][]model.ItemReport
	err   error
}

func (s *fakeRunStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, model.ErrNotFound)
	}
	return run, nil
}

func (s *fakeRunStore) GetItem(ctx context.Context, runID string, id model.Identity) (*model.ItemReport, error) {
	for _, item := range s.items[runID] {
		if item.Identity == id {
			return &item, nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", id, model.ErrNotFound)
}

func (s *fakeRunStore) ListItems(ctx context.Context, runID string) ([]model.ItemReport, error) {
	return append([]model.ItemReport(nil), s.items[runID]...), nil
}

func setupStatusApp(store RunStore) *fiber.App {
	h := NewStatusHandler(store, validator.New())
	app := fiber.New(fiber.Config{UnescapePath: true})
	app.Get("/api/runs/:runId", h.Run)
	app.Get("/api/runs/:runId/items", h.Items)
	app.Get("/api/runs/:runId/items/:identity", h.Item)
	return app
}

func doGet(t *testing.T, app *fiber.App, path string, out interface{}) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func newFakeStore() *fakeRunStore {
	errMsg := "probe clip two.mp4: no video stream found"
	return &fakeRunStore{
		runs: map[string]*model.Run{
			testRunID: {ID: testRunID, Status: model.RunStatusRunning, Total: 2, Done: 1, Failed: 1},
		},
		items: map[string][]model.ItemReport{
			testRunID: {
				{RunID: testRunID, Index: 1, Total: 2, Identity: "clip one.mp4", Status: model.ItemStatusDone, Stage: model.StageDone},
				{RunID: testRunID, Index: 2, Total: 2, Identity: "clip two.mp4", Status: model.ItemStatusFail, Stage: model.StageProbing, Error: &errMsg},
			},
		},
	}
}

func TestRunStatus(t *testing.T) {
	app := setupStatusApp(newFakeStore())

	var run model.Run
	if code := doGet(t, app, "/api/runs/"+testRunID, &run); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if run.Total != 2 || run.Done != 1 {
		t.Errorf("run = %+v", run)
	}

	var errResp response.ErrorResponse
	if code := doGet(t, app, "/api/runs/not-a-uuid", &errResp); code != http.StatusBadRequest || errResp.Error.Code != response.CodeValidationError {
		t.Errorf("invalid id: status %d, body %+v", code, errResp)
	}
	if code := doGet(t, app, "/api/runs/00000000-0000-4000-8000-000000000000", &errResp); code != http.StatusNotFound || errResp.Error.Code != response.CodeNotFound {
		t.Errorf("unknown run: status %d, body %+v", code, errResp)
	}
}

func TestRunStatusStoreFailure(t *testing.T) {
	app := setupStatusApp(&fakeRunStore{err: errors.New("corrupt record")})

	var errResp response.ErrorResponse
	if code := doGet(t, app, "/api/runs/"+testRunID, &errResp); code != http.StatusInternalServerError || errResp.Error.Code != response.CodeServiceError {
		t.Errorf("status %d, body %+v", code, errResp)
	}
}

func TestRunStatusStoreUnreachable(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	app := setupStatusApp(&fakeRunStore{err: fmt.Errorf("get run: %w", dialErr)})

	var errResp response.ErrorResponse
	if code := doGet(t, app, "/api/runs/"+testRunID, &errResp); code != http.StatusServiceUnavailable || errResp.Error.Code != response.CodeUnavailable {
		t.Errorf("status %d, body %+v", code, errResp)
	}
}

func TestItemsFilteredByStatus(t *testing.T) {
	app := setupStatusApp(newFakeStore())

	var items RunItems
	if code := doGet(t, app, "/api/runs/"+testRunID+"/items?status=fail", &items); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(items.Items) != 1 || items.Items[0].Identity != "clip two.mp4" {
		t.Errorf("items = %+v", items.Items)
	}

	if code := doGet(t, app, "/api/runs/"+testRunID+"/items?status=bogus", nil); code != http.StatusBadRequest {
		t.Errorf("bogus status filter: %d", code)
	}
}

func TestItemStatus(t *testing.T) {
	app := setupStatusApp(newFakeStore())

	var item model.ItemReport
	if code := doGet(t, app, "/api/runs/"+testRunID+"/items/clip%20two.mp4", &item); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if item.Status != model.ItemStatusFail || item.Error == nil {
		t.Errorf("item = %+v", item)
	}

	if code := doGet(t, app, "/api/runs/"+testRunID+"/items/missing.mp4", nil); code != http.StatusNotFound {
		t.Errorf("missing item: %d", code)
	}
}
