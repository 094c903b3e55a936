package prof

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/mdembed/internal/log"
)

func bufferLogger(t *testing.T) (log.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "test", Level: slog.LevelDebug, JsonFormat: true, Writer: &buf})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	return L, &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("unmarshal %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestStart_Disabled(t *testing.T) {
	L, buf := bufferLogger(t)
	ctx := log.WithContext(context.Background(), L)

	stop, err := Start(ctx, Options{Enabled: false, ServerAddress: "://bad"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()

	got := lines(t, buf)
	if len(got) != 1 || got[0]["msg"] != "pyroscope disabled" {
		t.Fatalf("log lines = %v", got)
	}
	if got[0]["component"] != "pyroscope" {
		t.Fatalf("component = %v", got[0]["component"])
	}
}

func TestStart_MissingServerAddress(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: true, AppName: "mdembed"})
	if err == nil {
		t.Fatal("expected error without a server address")
	}
	if stop == nil {
		t.Fatal("stop func must not be nil on error")
	}
	stop()
}

func TestProfileTypes(t *testing.T) {
	mutex := []pyroscope.ProfileType{pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration}
	block := []pyroscope.ProfileType{pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration}

	tests := []struct {
		name      string
		opts      Options
		wantMutex bool
		wantBlock bool
	}{
		{"base only", Options{}, false, false},
		{"negative rates", Options{ProfileMutexFraction: -1, BlockProfileRate: -1}, false, false},
		{"mutex", Options{ProfileMutexFraction: 5}, true, false},
		{"block", Options{BlockProfileRate: 5}, false, true},
		{"both", Options{ProfileMutexFraction: 1, BlockProfileRate: 1}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := profileTypes(tt.opts)
			for _, p := range baseProfiles {
				if !slices.Contains(got, p) {
					t.Errorf("missing base profile %s", p)
				}
			}
			for _, p := range mutex {
				if slices.Contains(got, p) != tt.wantMutex {
					t.Errorf("%s present = %v, want %v", p, !tt.wantMutex, tt.wantMutex)
				}
			}
			for _, p := range block {
				if slices.Contains(got, p) != tt.wantBlock {
					t.Errorf("%s present = %v, want %v", p, !tt.wantBlock, tt.wantBlock)
				}
			}
		})
	}
}

func TestProfileTypes_DoesNotAliasBase(t *testing.T) {
	before := len(baseProfiles)
	_ = profileTypes(Options{ProfileMutexFraction: 1, BlockProfileRate: 1})
	if len(baseProfiles) != before {
		t.Fatalf("baseProfiles mutated: %d -> %d", before, len(baseProfiles))
	}
}

func TestAgentLogger_Levels(t *testing.T) {
	L, buf := bufferLogger(t)
	a := agentLogger{ctx: context.Background(), L: L}

	a.Infof("upload %d", 1)
	a.Debugf("tick %s", "x")
	a.Errorf("upload failed: %s", "503")

	got := lines(t, buf)
	want := []struct{ level, msg string }{
		{"DEBUG", "upload 1"},
		{"DEBUG", "tick x"},
		{"WARN", "upload failed: 503"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i]["level"] != w.level || got[i]["msg"] != w.msg {
			t.Errorf("line %d = %v/%v, want %s/%s", i, got[i]["level"], got[i]["msg"], w.level, w.msg)
		}
	}
}
