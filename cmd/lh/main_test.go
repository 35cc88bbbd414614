package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-05-01T00:00:00Z", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"2h", now.Add(-2 * time.Hour)},
		{"90m", now.Add(-90 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if err != nil {
				t.Fatalf("parseSince failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSince_NaturalLanguage(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	got, err := parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("parseSince failed: %v", err)
	}
	if got.Day() != 9 || got.Month() != time.May {
		t.Errorf("yesterday = %v, want May 9", got)
	}
}

func TestParseSince_Garbage(t *testing.T) {
	if _, err := parseSince("zzz qqq", time.Now()); err == nil {
		t.Error("expected error for unparseable --since")
	}
}

func TestChanged(t *testing.T) {
	flags := pflag.NewFlagSet("update", pflag.ContinueOnError)
	flags.String("label", "", "")
	flags.String("note", "", "")
	flags.Bool("favorite", false, "")
	flags.String("site-name", "", "")
	if err := flags.Parse([]string{"--label", "Go", "--favorite=false", "--site-name", "go.dev"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	got := changed(flags, map[string]string{
		"label":     "label",
		"note":      "note",
		"favorite":  "favorite",
		"site-name": "siteName",
	})
	if len(got) != 3 {
		t.Fatalf("changed = %v, want 3 fields", got)
	}
	if got["label"] != "Go" || got["favorite"] != false || got["siteName"] != "go.dev" {
		t.Errorf("changed = %v", got)
	}
	if _, ok := got["note"]; ok {
		t.Error("unset flag must not appear")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b"); got != "0190a1b2-c3d4" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("f1"); got != "f1" {
		t.Errorf("shortID = %q", got)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"add"}, {"update"}, {"move"}, {"tag"}, {"untag"}, {"delete"}, {"highlight"},
		{"folder", "add"}, {"tag-create"},
		{"list"}, {"show"}, {"folders"}, {"tags"}, {"events"}, {"status"},
		{"serve"}, {"sync"},
		{"cache", "rebuild"}, {"cache", "status"}, {"import"}, {"export"},
		{"config", "init"}, {"config", "show"}, {"bench"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered (got %v, rest %v, err %v)", path, cmd.Name(), rest, err)
		}
	}
}
