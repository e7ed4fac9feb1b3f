package aria2dl

import (
	"context"
	"encoding/json"
	"path/filepath"
)

// fileStatus is a partial aria2.getFiles entry.
type fileStatus struct {
	Path string `json:"path"`
}

// getFilePaths queries aria2.getFiles and returns the cleaned absolute paths.
func (a *Adapter) getFilePaths(ctx context.Context, gid string) []string {
	res, err := a.call(ctx, "aria2.getFiles", append(a.tokenParam(), gid))
	if err != nil {
		return nil
	}
	var files []fileStatus
	if json.Unmarshal(res, &files) != nil {
		return nil
	}
	out := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if f.Path == "" || !filepath.IsAbs(f.Path) {
			continue
		}
		p := filepath.Clean(f.Path)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// purge removes partial payloads and their .aria2 control files. Only
// regular files are removed; directories are never touched.
func (a *Adapter) purge(paths []string) {
	for _, p := range paths {
		if p == "/" || filepath.Dir(p) == p {
			continue
		}
		if err := a.fs.Remove(p); err != nil {
			a.log.Debug("remove partial payload", "path", p, "err", err)
		}
		if err := a.fs.Remove(p + ".aria2"); err != nil {
			a.log.Debug("remove control file", "path", p+".aria2", "err", err)
		}
	}
}
