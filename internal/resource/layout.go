package resource

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	genMarker    = ".gen-"
	linkMarker   = ".link-"
	legacyMarker = ".gen-legacy-"
)

// Layout maps resources onto the filesystem under Base:
//
//	<base>/<plugin>/<kind>             live path, a symlink to a generation
//	<base>/<plugin>/.<kind>.gen-<id>   one installed generation
//	<base>/<plugin>/<kind>.zip         staged archive
type Layout struct {
	Base string
}

// Dir is the plugin directory.
func (l Layout) Dir(plugin string) string {
	return filepath.Join(l.Base, plugin)
}

// Live is the path readers use.
func (l Layout) Live(plugin, kind string) string {
	return filepath.Join(l.Base, plugin, kind)
}

// Archive is where a downloaded archive is staged before extraction.
func (l Layout) Archive(plugin, kind string) string {
	return filepath.Join(l.Base, plugin, kind+".zip")
}

func (l Layout) generation(plugin, kind, id string) string {
	return filepath.Join(l.Base, plugin, "."+kind+genMarker+id)
}

func (l Layout) tempLink(plugin, kind, id string) string {
	return filepath.Join(l.Base, plugin, "."+kind+linkMarker+id)
}

// Present reports whether a usable local copy exists, either a generation
// symlink or a legacy plain directory.
func (l Layout) Present(plugin, kind string) bool {
	fi, err := os.Stat(l.Live(plugin, kind))
	return err == nil && fi.IsDir()
}

// Resolve returns the absolute directory the live path points at, and
// whether the live path is a legacy plain directory.
func (l Layout) Resolve(plugin, kind string) (string, bool, error) {
	live := l.Live(plugin, kind)
	fi, err := os.Lstat(live)
	if err != nil {
		return "", false, err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		if !fi.IsDir() {
			return "", false, &os.PathError{Op: "resolve", Path: live, Err: os.ErrInvalid}
		}
		return live, true, nil
	}
	target, err := os.Readlink(live)
	if err != nil {
		return "", false, err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(live), target)
	}
	return filepath.Clean(target), false, nil
}

// generations lists the generation directories of kind.
func (l Layout) generations(plugin, kind string) ([]string, error) {
	entries, err := os.ReadDir(l.Dir(plugin))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := "." + kind + genMarker
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(l.Dir(plugin), e.Name()))
		}
	}
	return out, nil
}
