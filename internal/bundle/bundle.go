// Package bundle appends a site directory (config and modules) to the ui-compose
// binary as a ZIP archive, and reads it back for bundle: locators.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	// Magic identifies bundled binaries
	Magic = "UICOMPOS"
	// FooterSize: 8 bytes offset + 8 bytes size + 8 bytes magic
	FooterSize = 24
)

// ErrNotBundled is returned when a binary carries no archive.
var ErrNotBundled = errors.New("binary is not bundled")

// editor backups and lock files
var ignoreFiles = regexp.MustCompile(`^(|.*/)((#|\.#)[^/]*|[^/]*~)$`)

type footer struct {
	Offset int64
	Size   int64
	Magic  [8]byte
}

// readFooter returns the footer of f, or ok=false when f is not bundled.
func readFooter(f *os.File) (ft footer, ok bool, err error) {
	info, err := f.Stat()
	if err != nil {
		return ft, false, err
	}
	if info.Size() < FooterSize {
		return ft, false, nil
	}
	buf := make([]byte, FooterSize)
	if _, err := f.ReadAt(buf, info.Size()-FooterSize); err != nil {
		return ft, false, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ft); err != nil {
		return ft, false, err
	}
	if string(ft.Magic[:]) != Magic {
		return ft, false, nil
	}
	if ft.Offset < 0 || ft.Size < 0 || ft.Offset+ft.Size > info.Size()-FooterSize {
		return ft, false, fmt.Errorf("corrupt bundle footer")
	}
	return ft, true, nil
}

// BinarySize returns the size of the executable part of a binary, excluding any archive.
func BinarySize(binaryPath string) (int64, error) {
	f, err := os.Open(binaryPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ft, ok, err := readFooter(f)
	if err != nil {
		return 0, err
	}
	if ok {
		return ft.Offset, nil
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Create writes outputPath as sourceBinary (with any previous archive stripped)
// followed by a ZIP of siteDir and the footer.
func Create(sourceBinary, siteDir, outputPath string) error {
	binarySize, err := BinarySize(sourceBinary)
	if err != nil {
		return fmt.Errorf("failed to get binary size: %w", err)
	}

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	if err := addDir(zw, siteDir); err != nil {
		zw.Close()
		return fmt.Errorf("failed to add files to ZIP: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close ZIP writer: %w", err)
	}

	src, err := os.Open(sourceBinary)
	if err != nil {
		return fmt.Errorf("failed to open source binary: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	if _, err := io.CopyN(out, src, binarySize); err != nil {
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	if _, err := out.Write(zipBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write ZIP data: %w", err)
	}
	ft := footer{Offset: binarySize, Size: int64(zipBuf.Len())}
	copy(ft.Magic[:], Magic)
	if err := binary.Write(out, binary.LittleEndian, ft); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	return out.Close()
}

// addDir adds siteDir's files to the archive, keeping relative symlinks
// that stay inside siteDir.
func addDir(zw *zip.Writer, siteDir string) error {
	absRoot, err := filepath.Abs(siteDir)
	if err != nil {
		return err
	}

	return filepath.WalkDir(siteDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || ignoreFiles.MatchString(p) {
			return nil
		}
		rel, err := filepath.Rel(siteDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if filepath.IsAbs(target) {
				return fmt.Errorf("absolute symlink not allowed: %s -> %s", p, target)
			}
			absTarget, err := filepath.Abs(filepath.Join(filepath.Dir(p), target))
			if err != nil {
				return err
			}
			if !within(absTarget, absRoot) {
				return fmt.Errorf("symlink escapes bundle: %s -> %s", p, target)
			}
			header := &zip.FileHeader{Name: name, Method: zip.Store}
			header.SetMode(os.ModeSymlink | 0o777)
			w, err := zw.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = w.Write([]byte(filepath.ToSlash(target)))
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header := &zip.FileHeader{Name: name, Method: zip.Deflate}
		header.SetMode(info.Mode())
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

func within(absPath, absDir string) bool {
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Archive is an opened site bundle.
type Archive struct {
	zr *zip.Reader
}

// Open reads the archive appended to the binary at binaryPath.
// It returns ErrNotBundled when the binary has none.
func Open(binaryPath string) (*Archive, error) {
	f, err := os.Open(binaryPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ft, ok, err := readFooter(f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotBundled
	}
	data := make([]byte, ft.Size)
	if _, err := f.ReadAt(data, ft.Offset); err != nil {
		return nil, fmt.Errorf("failed to read ZIP data: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), ft.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP reader: %w", err)
	}
	return &Archive{zr: zr}, nil
}

var (
	selfOnce sync.Once
	self     *Archive
	selfErr  error
)

// Self opens the archive appended to the running executable, once.
func Self() (*Archive, error) {
	selfOnce.Do(func() {
		exe, err := os.Executable()
		if err != nil {
			selfErr = err
			return
		}
		self, selfErr = Open(exe)
	})
	return self, selfErr
}

func clean(name string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
}

// ReadFile reads a file from the archive. Symlinks are followed once.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	name = clean(name)
	for _, f := range a.zr.File {
		if f.Name != name {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return a.ReadFile(path.Join(path.Dir(name), string(data)))
		}
		return data, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// FileInfo describes one archive entry.
type FileInfo struct {
	Name          string
	IsSymlink     bool
	SymlinkTarget string
	Mode          fs.FileMode
}

// Files lists archive entries in name order.
func (a *Archive) Files() []FileInfo {
	files := make([]FileInfo, 0, len(a.zr.File))
	for _, f := range a.zr.File {
		info := FileInfo{Name: f.Name, Mode: f.Mode()}
		if f.Mode()&os.ModeSymlink != 0 {
			info.IsSymlink = true
			if target, err := readEntry(f); err == nil {
				info.SymlinkTarget = string(target)
			}
		}
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// Extract writes the archive into targetDir, refusing entries that escape it.
func (a *Archive) Extract(targetDir string) error {
	absDir, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}
	for _, f := range a.zr.File {
		if err := extract(f, absDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extract(f *zip.File, absDir string) error {
	target := filepath.Join(absDir, filepath.FromSlash(f.Name))
	if !within(target, absDir) {
		return fmt.Errorf("zip entry escapes target directory: %s", f.Name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	data, err := readEntry(f)
	if err != nil {
		return err
	}
	if f.Mode()&os.ModeSymlink != 0 {
		link := filepath.FromSlash(string(data))
		if !within(filepath.Join(filepath.Dir(target), link), absDir) {
			return fmt.Errorf("symlink escapes target directory: %s -> %s", f.Name, link)
		}
		os.Remove(target)
		return os.Symlink(link, target)
	}
	return os.WriteFile(target, data, f.Mode().Perm())
}
