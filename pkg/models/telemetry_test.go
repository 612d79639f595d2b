package models

import "testing"

func TestScrapeLogLevel(t *testing.T) {
	tests := []struct {
		line string
		want LogLevel
	}{
		{"2024-01-01T00:00:00Z ERROR failed to dial beacon", LevelError},
		{"level=erro msg=\"boom\"", LevelError},
		{"thread panicked at src/main.rs", LevelError},
		{"WARN  slow response from rpc", LevelWarning},
		{"warning: deprecated flag", LevelWarning},
		{"INFO started p2p service", LevelInfo},
		{"DEBUG gossip peer scored", LevelDebug},
		{"TRACE entering handler", LevelDebug},
		{"plain output with no marker", LevelUnknown},
		{"", LevelUnknown},
	}
	for _, tt := range tests {
		if got := ScrapeLogLevel(tt.line); got != tt.want {
			t.Errorf("ScrapeLogLevel(%q) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestSupersedes(t *testing.T) {
	cur := ActiveSetEntry{BlockNumber: 100, LogIndex: 5}
	tests := []struct {
		name  string
		block uint64
		index uint64
		want  bool
	}{
		{"newer block", 101, 0, true},
		{"same block later log", 100, 6, true},
		{"same block same log", 100, 5, false},
		{"same block earlier log", 100, 4, false},
		{"older block higher log", 99, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ActiveSetEvent{BlockNumber: tt.block, LogIndex: tt.index}
			if got := ev.Supersedes(cur); got != tt.want {
				t.Errorf("Supersedes = %v, want %v", got, tt.want)
			}
		})
	}
}
