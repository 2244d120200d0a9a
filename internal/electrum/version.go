package electrum

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// CompareVersion compares two backend version strings. A leading software
// name ("electrs/0.10.5") is ignored, as is any pre-release or build suffix
// after '-' or '+', so a release candidate counts as its release. Missing
// components count as zero. It returns -1, 0 or 1.
func CompareVersion(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

func parseVersion(s string) (*goversion.Version, error) {
	v := strings.TrimSpace(s)
	if i := strings.LastIndexByte(v, '/'); i >= 0 {
		v = v[i+1:]
	}
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", s, err)
	}
	return parsed, nil
}
