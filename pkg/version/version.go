// Package version reports the roomrelay build version.
//
// Release builds inject it with ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/roomrelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/roomrelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/roomrelay/pkg/version.date=2026-01-01"
//
// Without them, the VCS stamp the go command embeds is used when present.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

var stampOnce sync.Once

// stamp fills commit and date from the embedded build info when ldflags
// left them unset.
func stamp() {
	stampOnce.Do(func() {
		if commit != "unknown" {
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if c, d := fromBuildInfo(info); c != "" {
			commit, date = c, d
		}
	})
}

// fromBuildInfo extracts a short revision and commit time from the
// go command's VCS settings. A modified tree is marked with "-dirty".
func fromBuildInfo(info *debug.BuildInfo) (rev, when string) {
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.time":
			when = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "", ""
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if dirty {
		rev += "-dirty"
	}
	if when == "" {
		when = "unknown"
	}
	return rev, when
}

// String returns the tag, else the commit, else "dev".
func String() string {
	stamp()
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a shorter fallback.
func Full() string {
	stamp()
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// UserAgent identifies roomrelay clients on the upgrade request.
func UserAgent() string {
	return "roomrelay/" + String()
}
