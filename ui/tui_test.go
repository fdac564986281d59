package ui

import (
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.00 KB"},
		{2048, "2.00 KB"},
		{1048576, "1.00 MB"},
		{1572864, "1.50 MB"},
		{1073741824, "1.00 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%v) = %v; want %v", tt.bytes, result, tt.expected)
		}
	}
}

func TestFormatHistoryLineTruncatesLongFilenames(t *testing.T) {
	entry := HistoryEntry{
		Filename: strings.Repeat("a", 50),
		Outcome:  "SUCCESS",
		Bytes:    1024,
		When:     time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC),
	}

	line := formatHistoryLine(entry)
	if !strings.Contains(line, "...") {
		t.Errorf("expected truncated path to contain '...', got %q", line)
	}
	if !strings.Contains(line, "SUCCESS") || !strings.Contains(line, "1.00 KB") {
		t.Errorf("expected outcome and size in line, got %q", line)
	}
}

func TestTUIModelInitialization(t *testing.T) {
	state := &UIState{
		PairCount:  3,
		MaxWorkers: 10,
	}
	model := NewTUIModel(state)

	if model.state.PairCount != 3 {
		t.Errorf("Expected PairCount 3, got %d", model.state.PairCount)
	}

	view := model.View()
	if view == "" {
		t.Errorf("View rendered empty string")
	}
	if !strings.Contains(view, "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}
}
