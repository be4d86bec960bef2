package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/videopose/posekeys/internal/model"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return nil
}

func TestHubBroadcastsToRunSubscribers(t *testing.T) {
	h := NewHub(nil)
	go h.Run()

	a := &Client{RunID: "r1", Send: make(chan []byte, 4)}
	b := &Client{RunID: "r2", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)

	h.BroadcastItem(model.ItemReport{RunID: "r1", Identity: "a.mp4", Status: model.ItemStatusDone, Index: 1, Total: 2})
	h.BroadcastRun(model.Run{ID: "r1", Status: model.RunStatusFinished, Total: 2, Done: 2})

	var item model.WSItemMessage
	if err := json.Unmarshal(receive(t, a), &item); err != nil {
		t.Fatal(err)
	}
	if item.Type != model.WSMessageTypeItem || item.Item.Identity != "a.mp4" || item.Item.Index != 1 {
		t.Errorf("item message = %+v", item)
	}

	var run model.WSRunMessage
	if err := json.Unmarshal(receive(t, a), &run); err != nil {
		t.Fatal(err)
	}
	if run.Type != model.WSMessageTypeFinished || run.Run.Done != 2 {
		t.Errorf("run message = %+v", run)
	}

	select {
	case msg := <-b.Send:
		t.Errorf("other run received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := NewHub(nil)
	go h.Run()

	c := &Client{RunID: "r1", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Error("unexpected message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
	if n := h.Subscribers("r1"); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}
