// Package archive extracts downloaded rule packs into a directory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// Format is a supported archive encoding.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

// Limits bounds extraction against archive bombs.
type Limits struct {
	MaxFiles     int
	MaxTotalSize int64
}

// DefaultLimits allows 100k entries and 2 GiB of extracted data.
var DefaultLimits = Limits{MaxFiles: 100000, MaxTotalSize: 2 << 30}

// Detect sniffs the archive format from its leading bytes.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case n >= 4 && string(head) == "PK\x03\x04", n >= 4 && string(head) == "PK\x05\x06":
		return FormatZip, nil
	case n >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return FormatTarGz, nil
	}
	return "", fmt.Errorf("unrecognized archive format for %s", filepath.Base(path))
}

// Install extracts archivePath into dest, replacing whatever dest held. Every
// entry must resolve inside dest; links and special files are rejected. All
// failures are InstallFailed. dest is expected to be a fresh staging
// directory: on failure it is left partially written for the caller to
// remove.
func Install(ctx context.Context, archivePath, dest string) error {
	return InstallWithLimits(ctx, archivePath, dest, DefaultLimits)
}

// InstallWithLimits is Install with explicit limits.
func InstallWithLimits(ctx context.Context, archivePath, dest string, limits Limits) error {
	format, err := Detect(archivePath)
	if err != nil {
		return faults.Wrap(faults.KindInstallFailed, "detect archive format", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return faults.Wrap(faults.KindInstallFailed, "clear destination", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return faults.Wrap(faults.KindInstallFailed, "create destination", err)
	}

	x := &extractor{ctx: ctx, dest: filepath.Clean(dest), limits: limits}
	switch format {
	case FormatZip:
		err = x.zip(archivePath)
	case FormatTarGz:
		err = x.tarGz(archivePath)
	}
	if err != nil {
		var fe *faults.Error
		if errors.As(err, &fe) {
			return err
		}
		return faults.Wrap(faults.KindInstallFailed, fmt.Sprintf("extract %s", filepath.Base(archivePath)), err)
	}
	return nil
}

type extractor struct {
	ctx    context.Context
	dest   string
	limits Limits
	files  int
	total  int64
}

// target resolves an entry name inside dest.
func (x *extractor) target(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.VolumeName(clean) != "" {
		return "", faults.New(faults.KindInstallFailed, fmt.Sprintf("archive entry %q escapes destination", name))
	}
	path := filepath.Join(x.dest, clean)
	if path != x.dest && !strings.HasPrefix(path, x.dest+string(filepath.Separator)) {
		return "", faults.New(faults.KindInstallFailed, fmt.Sprintf("archive entry %q escapes destination", name))
	}
	return path, nil
}

func (x *extractor) admit(size int64) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	x.files++
	if x.limits.MaxFiles > 0 && x.files > x.limits.MaxFiles {
		return faults.New(faults.KindInstallFailed, fmt.Sprintf("archive has more than %d entries", x.limits.MaxFiles))
	}
	if size > 0 {
		x.total += size
	}
	if x.limits.MaxTotalSize > 0 && x.total > x.limits.MaxTotalSize {
		return faults.New(faults.KindInstallFailed, "archive exceeds extracted size limit")
	}
	return nil
}

func (x *extractor) writeFile(path string, r io.Reader, mode fs.FileMode, declared int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	var n int64
	if x.limits.MaxTotalSize > 0 {
		limit := x.limits.MaxTotalSize - x.total + declared
		n, err = io.Copy(f, io.LimitReader(r, limit+1))
		if err == nil && n > limit {
			err = faults.New(faults.KindInstallFailed, "archive exceeds extracted size limit")
		}
	} else {
		_, err = io.Copy(f, r)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (x *extractor) zip(archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		path, err := x.target(f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		if err := x.admit(int64(f.UncompressedSize64)); err != nil {
			return err
		}
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = x.writeFile(path, rc, mode, int64(f.UncompressedSize64))
			rc.Close()
			if err != nil {
				return err
			}
		default:
			return faults.New(faults.KindInstallFailed, fmt.Sprintf("archive entry %q has unsupported type %s", f.Name, mode.Type()))
		}
	}
	return nil
}

func (x *extractor) tarGz(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}
		path, err := x.target(hdr.Name)
		if err != nil {
			return err
		}
		if err := x.admit(hdr.Size); err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(path, tr, fs.FileMode(hdr.Mode), hdr.Size); err != nil {
				return err
			}
		default:
			return faults.New(faults.KindInstallFailed, fmt.Sprintf("archive entry %q has unsupported type %q", hdr.Name, hdr.Typeflag))
		}
	}
}
