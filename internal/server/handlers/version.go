package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/jobkernel/internal/errors"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Crucible  string `json:"crucible_version,omitempty"`
	Gofulmen  string `json:"gofulmen_version,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// VersionHandler serves build and dependency versions.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()

	deps := crucible.GetVersion()
	resp.GoVersion = runtime.Version()
	resp.Crucible = deps.Crucible
	resp.Gofulmen = deps.Gofulmen

	apperrors.WriteJSON(w, http.StatusOK, resp)
}
