// Package mediabackend describes the remote media backend that accepts
// ingest packages.
package mediabackend

import (
	"context"
	"strconv"
)

const (
	FlavorEpisodeCatalog = "dublincore/episode"
	FlavorEpisodeACL     = "security/xacml+episode"
	FlavorSingleTrack    = "presentation/source"
)

// TrackFlavor returns the flavor of the i-th track of a package holding total tracks.
func TrackFlavor(i, total int) string {
	if total > 1 {
		return "presentation-" + strconv.Itoa(i) + "/source"
	}
	return FlavorSingleTrack
}

// Package is the backend-owned package representation. Raw must be passed
// unchanged into the next call.
type Package struct {
	ID  string
	Raw string
}

type ACLRule struct {
	Role   string `json:"role"`
	Action string `json:"action"`
	Allow  bool   `json:"allow"`
}

type Series struct {
	ID           string
	Title        string
	Description  string
	Language     string
	License      string
	Rights       string
	Subjects     []string
	Contributors []string
	Creators     []string
	Publishers   []string
}

type Backend interface {
	CreateMediaPackage(ctx context.Context) (Package, error)
	AddCatalog(ctx context.Context, pkg Package, flavor string, catalog []byte) (Package, error)
	AddAttachment(ctx context.Context, pkg Package, flavor string, attachment []byte) (Package, error)
	AddTrack(ctx context.Context, pkg Package, flavor string, path string) (Package, error)
	Ingest(ctx context.Context, pkg Package, workflow string, configuration map[string]string) (Package, error)
	ACLTemplate(ctx context.Context, name string) ([]ACLRule, error)
}

type SeriesFinder interface {
	// FindSeries returns false when no series has the given title.
	FindSeries(ctx context.Context, title string) (Series, bool, error)
}
