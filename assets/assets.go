// Package assets abstracts where frontend files come from: bundled into the
// binary behind an fs.FS (typically embed.FS), or read from disk at request
// time during frontend development.
package assets

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Fetch when no file exists at the given path.
var ErrNotFound = errors.New("assets: not found")

// Source retrieves one file by absolute URL path. "/" maps to "/index.html".
type Source interface {
	Fetch(urlPath string) ([]byte, error)
}

// resolve normalizes a request path into a relative file path. Paths with
// ".." components are rejected before any lookup.
func resolve(urlPath string) (string, error) {
	if !strings.HasPrefix(urlPath, "/") {
		return "", ErrNotFound
	}
	if urlPath == "/" {
		urlPath = "/index.html"
	}
	for _, part := range strings.Split(urlPath, "/") {
		if part == ".." {
			return "", ErrNotFound
		}
	}
	return strings.TrimPrefix(path.Clean(urlPath), "/"), nil
}

type fsSource struct {
	fsys fs.FS
}

// FS serves files bundled into fsys.
func FS(fsys fs.FS) Source {
	return fsSource{fsys: fsys}
}

func (s fsSource) Fetch(urlPath string) ([]byte, error) {
	rel, err := resolve(urlPath)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(s.fsys, rel)
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

type dirSource struct {
	base string
}

// Dir serves files from the directory base on disk.
func Dir(base string) Source {
	return dirSource{base: base}
}

func (s dirSource) Fetch(urlPath string) ([]byte, error) {
	rel, err := resolve(urlPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.base, filepath.FromSlash(rel)))
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// ContentType reports the MIME type for a served path based on its file
// extension, or "" when the extension is unknown (the Content-Type header
// is then omitted).
func ContentType(urlPath string) string {
	ext := strings.ToLower(path.Ext(urlPath))
	if ext == "" {
		return ""
	}
	if ext == ".wasm" {
		return "application/wasm"
	}
	return mime.TypeByExtension(ext)
}
