package contracts

import (
	"fmt"
	"runtime"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
)

const (
	// APIVersion prefixes every authority route
	APIVersion = "v1"
)

// Set at build time with
//
//	-ldflags "-X github.com/DhaneshPachipulusu/license-poc/pkg/contracts.Version=1.2.0 ..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

// VersionInfo contains detailed version information
type VersionInfo struct {
	Version           string `json:"version"`
	BuildTime         string `json:"build_time"`
	GitCommit         string `json:"git_commit"`
	GitBranch         string `json:"git_branch"`
	GoVersion         string `json:"go_version"`
	OS                string `json:"os"`
	Architecture      string `json:"architecture"`
	CertificateFormat int    `json:"certificate_format"`
	APIVersion        string `json:"api_version"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:           Version,
		BuildTime:         BuildTime,
		GitCommit:         GitCommit,
		GitBranch:         GitBranch,
		GoVersion:         runtime.Version(),
		OS:                runtime.GOOS,
		Architecture:      runtime.GOARCH,
		CertificateFormat: certificate.FormatV1,
		APIVersion:        APIVersion,
	}
}

// GetFullVersionString returns a one-line description of program's build
func GetFullVersionString(program string) string {
	info := GetVersionInfo()
	return fmt.Sprintf(
		"%s %s (built: %s, commit: %s, go: %s, os: %s/%s, certificate format: v%d)",
		program,
		info.Version,
		info.BuildTime,
		info.GitCommit,
		info.GoVersion,
		info.OS,
		info.Architecture,
		info.CertificateFormat,
	)
}
