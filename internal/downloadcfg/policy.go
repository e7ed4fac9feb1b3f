package downloadcfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// CollisionPolicy defines what happens when a finished track's final path
// already holds a file, typically left behind by an interrupted download.
// Values: "error" | "overwrite" | "rename".
type CollisionPolicy string

const (
	CollisionError     CollisionPolicy = "error"
	CollisionOverwrite CollisionPolicy = "overwrite"
	// CollisionRename moves the existing file aside to "<path>.<n>.bak".
	CollisionRename CollisionPolicy = "rename"
)

// ErrTargetExists is returned under CollisionError.
var ErrTargetExists = errors.New("target file already exists")

// ParseCollisionPolicy converts a string to a CollisionPolicy, defaulting
// to overwrite.
func ParseCollisionPolicy(s string) CollisionPolicy {
	switch CollisionPolicy(s) {
	case CollisionError:
		return CollisionError
	case CollisionRename:
		return CollisionRename
	case CollisionOverwrite:
		fallthrough
	default:
		return CollisionOverwrite
	}
}

func (p CollisionPolicy) Valid() bool {
	switch p {
	case CollisionError, CollisionOverwrite, CollisionRename:
		return true
	}
	return false
}

// Prepare makes dst writable under the policy. It is a no-op when dst does
// not exist.
func Prepare(dst string, p CollisionPolicy) error {
	if _, err := os.Lstat(dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	switch p {
	case CollisionError:
		return fmt.Errorf("%w: %s", ErrTargetExists, dst)
	case CollisionRename:
		for i := 1; ; i++ {
			aside := dst + "." + strconv.Itoa(i) + ".bak"
			if _, err := os.Lstat(aside); os.IsNotExist(err) {
				return os.Rename(dst, aside)
			}
		}
	default:
		return nil
	}
}
