package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinoosan/shelfsync/internal/data"
)

// dirLen is how many hex characters of the digest name an item directory.
const dirLen = 32

// Fingerprint computes a stable hex-encoded SHA-256 over the trimmed parts.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			// NUL cannot appear in identifiers, so joins are unambiguous.
			h.Write([]byte{0})
		}
		h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ItemDir is the directory name holding every file of an item. It depends
// only on the item's identity, so it can be recomputed at startup without a
// store lookup.
func ItemDir(id data.ItemID) string {
	return Fingerprint(id.ConnectionID, id.LibraryID, id.GroupingID, id.PrimaryID)[:dirLen]
}

// NormalizeExt lowercases an extension and strips the leading dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	ext = strings.TrimLeft(ext, ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return "bin"
	}
	return ext
}

// TrackFile is the final path of a track relative to the items root.
func TrackFile(id data.ItemID, index int, ext string) string {
	return filepath.Join(ItemDir(id), strconv.Itoa(index)+"."+NormalizeExt(ext))
}
