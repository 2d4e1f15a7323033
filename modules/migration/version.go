package migration

import (
	"fmt"
	"regexp"

	"github.com/deesoft/console/errors"
)

// BaseVersion is the marker row some history tables start with. It never
// corresponds to a file.
const BaseVersion = "m000000_000000_base"

var (
	versionPattern = regexp.MustCompile(`^m?(\d{6}_\d{6})(_.*?)?$`)
	exceptsSplit   = regexp.MustCompile(`\s*,\s*`)
)

// ErrInvalidVersion is returned for version arguments that are neither a
// timestamp nor a full migration name.
var ErrInvalidVersion = errors.New("The version argument must be either a timestamp (e.g. 101129_185401)\n" +
	"or the full name of a migration (e.g. m101129_185401_create_user_table).")

// NormalizeVersion turns "101129_185401" or "m101129_185401_create_user_table"
// into the "m101129_185401" prefix shared by the matching migration name.
func NormalizeVersion(version string) (string, error) {
	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		return "", errors.ValidationError(ErrInvalidVersion).WithMetadata("version", version)
	}
	return "m" + m[1], nil
}

// IsVersion reports whether arg names a migration rather than a count.
func IsVersion(arg string) bool {
	return versionPattern.MatchString(arg)
}

// ParseExcepts parses a comma separated list of versions to leave alone.
// Entries that are not versions are ignored.
func ParseExcepts(list string) map[string]struct{} {
	out := make(map[string]struct{})
	if list == "" {
		return out
	}
	for _, v := range exceptsSplit.Split(list, -1) {
		if m := versionPattern.FindStringSubmatch(v); m != nil {
			out[m[1]] = struct{}{}
		}
	}
	return out
}

// timestamp returns the dddddd_dddddd part of a migration name.
func timestamp(name string) string {
	if len(name) < 14 {
		return name
	}
	return name[1:14]
}

func notFound(version string) error {
	return errors.NotFoundError(fmt.Errorf("Unable to find the version '%s'.", version))
}
