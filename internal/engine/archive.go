package engine

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/attractor/internal/model"
)

// Default include patterns for the run archive: run metadata and per-node
// artifacts, but not the archive itself or transient branch worktrees.
var defaultArchiveIncludeGlobs = []string{
	"*.ckpt",
	"final.json",
	"progress.ndjson",
	"**/prompt.md",
	"**/response.md",
	"**/status.json",
	"**/stdout.log",
	"**/stderr.log",
}

var defaultArchiveExcludeGlobs = []string{
	"run.tgz",
	"branches/**",
}

// writeRunArchive bundles the logs root into {logs_root}/run.tgz using
// doublestar globs. The graph attribute archive_include (comma-separated)
// replaces the default includes; archive_exclude adds to the default
// excludes.
func writeRunArchive(logsRoot string, g *model.Graph) error {
	includes := defaultArchiveIncludeGlobs
	excludes := defaultArchiveExcludeGlobs
	if g != nil {
		if v := strings.TrimSpace(g.Attrs["archive_include"]); v != "" {
			includes = splitGlobs(v)
		}
		if v := strings.TrimSpace(g.Attrs["archive_exclude"]); v != "" {
			excludes = append(excludes, splitGlobs(v)...)
		}
	}

	out, err := os.Create(filepath.Join(logsRoot, "run.tgz"))
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	gz := gzip.NewWriter(out)
	defer func() { _ = gz.Close() }()
	tw := tar.NewWriter(gz)
	defer func() { _ = tw.Close() }()

	return filepath.WalkDir(logsRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(logsRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(includes, rel) || matchesAny(excludes, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
}

func matchesAny(globs []string, rel string) bool {
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func splitGlobs(v string) []string {
	var out []string
	for _, g := range strings.Split(v, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}
