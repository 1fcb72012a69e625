package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nexusai/chgate/internal/appid"
	"github.com/nexusai/chgate/internal/buildinfo"
)

var appIdentity *appid.Identity

// SetAppIdentity names the binary reported by /version.
func SetAppIdentity(identity *appid.Identity) {
	appIdentity = identity
}

func binaryName() string {
	if appIdentity != nil && appIdentity.BinaryName != "" {
		return appIdentity.BinaryName
	}
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "unknown"
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(buildinfo.NewReport(binaryName()))
}
