package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "false"},
		},
	}

	t.Run("fills unset fields", func(t *testing.T) {
		i := Info{Commit: "none"}
		i.fromBuildInfo(bi)
		if i.Commit != "deadbeef" || i.GoVersion != "go1.24.11" {
			t.Fatalf("commit %q go %q", i.Commit, i.GoVersion)
		}
		if i.BuildDate != "2026-01-02T03:04:05Z" || i.CommitDate != i.BuildDate {
			t.Fatalf("build date %q commit date %q", i.BuildDate, i.CommitDate)
		}
		if i.VCSDirty == nil || *i.VCSDirty {
			t.Fatalf("VCSDirty = %v, want false", i.VCSDirty)
		}
	})

	t.Run("linker values win", func(t *testing.T) {
		i := Info{Commit: "cafef00d", BuildDate: "stamped"}
		i.fromBuildInfo(bi)
		if i.Commit != "cafef00d" || i.BuildDate != "stamped" {
			t.Fatalf("commit %q build date %q", i.Commit, i.BuildDate)
		}
	})

	t.Run("ignores junk modified flag", func(t *testing.T) {
		i := Info{}
		i.fromBuildInfo(&debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.modified", Value: "maybe"}}})
		if i.VCSDirty != nil {
			t.Fatalf("VCSDirty = %v, want nil", *i.VCSDirty)
		}
	})
}
