package version

import (
	"runtime/debug"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromBuildInfo(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	tests := []struct {
		name string
		in   Info
		want Info
	}{
		{
			name: "build info only",
			want: Info{Version: "v0.3.1", Commit: "0123456789abcdef0123", BuildTime: "2026-10-01T12:00:00Z", Modified: true},
		},
		{
			name: "ldflags win",
			in:   Info{Version: "v1.0.0", Commit: "feedface"},
			want: Info{Version: "v1.0.0", Commit: "feedface", BuildTime: "2026-10-01T12:00:00Z", Modified: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, fromBuildInfo(tt.in, bi)); diff != "" {
				t.Fatalf("fromBuildInfo (-want +got):\n%s", diff)
			}
		})
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}
