package handler

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"linkbridge/internal/hub"
	"linkbridge/internal/linking"
	"linkbridge/internal/model"
)

func TestWSWriterQueueDoesNotBlock(t *testing.T) {
	w := newWSWriter(nil)
	for i := 0; i < sendBuffer; i++ {
		if err := w.Write([]byte("x")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Write([]byte("x")); !errors.Is(err, errSlowSubscriber) {
		t.Fatalf("expected errSlowSubscriber, got %v", err)
	}

	_ = w.Close()
	if err := w.Write([]byte("x")); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestStatusNotifierDropsStalledSubscriber(t *testing.T) {
	h := hub.New()
	stalled := newWSWriter(nil)
	h.Register(&hub.Connection{UserID: "7", Writer: stalled})
	n := StatusNotifier{Hub: h, Logger: zap.NewNop()}

	start := time.Now()
	for i := 0; i < sendBuffer+5; i++ {
		n.PublishStatus("7", linking.Status{Status: model.StateWaitingForScan})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publishing to a stalled subscriber took %s", elapsed)
	}
	if h.Count("7") != 0 {
		t.Fatalf("expected stalled subscriber to be dropped, got %d connections", h.Count("7"))
	}
}
