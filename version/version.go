// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package version holds the controller's build identity.
package version

import (
	"bytes"
	"fmt"
	"time"
)

// Filled in at build time through -ldflags; Version alone has a
// compiled-in default so source builds still identify themselves.
var (
	Version           = "0.3.0"
	VersionPrerelease = "dev"
	GitCommit         string
	BuildDate         string
)

// VersionInfo is the resolved build identity reported by the daemon.
type VersionInfo struct {
	BuildDate         time.Time
	Revision          string
	Version           string
	VersionPrerelease string
}

func GetVersion() *VersionInfo {
	// A bad or absent build date resolves to the zero time and is
	// simply not printed.
	built, _ := time.Parse(time.RFC3339, BuildDate)
	return &VersionInfo{
		BuildDate:         built,
		Revision:          GitCommit,
		Version:           Version,
		VersionPrerelease: VersionPrerelease,
	}
}

// VersionNumber renders the semantic version, with the prerelease
// marker when this is not a final release.
func (v *VersionInfo) VersionNumber() string {
	if v.VersionPrerelease != "" {
		return fmt.Sprintf("%s-%s", v.Version, v.VersionPrerelease)
	}
	return v.Version
}

// FullVersionNumber renders the multi-line form used by the version
// command, optionally including the source revision.
func (v *VersionInfo) FullVersionNumber(rev bool) string {
	var out bytes.Buffer
	fmt.Fprintf(&out, "Quarry v%s", v.VersionNumber())
	if !v.BuildDate.IsZero() {
		fmt.Fprintf(&out, "\nBuildDate %s", v.BuildDate.Format(time.RFC3339))
	}
	if rev && v.Revision != "" {
		fmt.Fprintf(&out, "\nRevision %s", v.Revision)
	}
	return out.String()
}
