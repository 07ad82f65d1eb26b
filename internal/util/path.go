package util

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/teranos/bibexport/errors"
)

// ExpandPath safely expands and validates a path using go-getter.
// Handles ~, relative paths, and validates the result is a valid filesystem path.
func ExpandPath(path string) (string, error) {
	// Handle tilde expansion first (go-getter doesn't do this)
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return home, nil
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse path")
	}

	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "":
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", errors.Wrap(err, "failed to make absolute path")
		}
		return abs, nil
	default:
		return "", errors.Newf("unsupported path scheme: %s (expected file:// or local path)", u.Scheme)
	}
}

// ExpandFilePath expands path like ExpandPath and checks that it names a
// file in an existing directory. The file itself need not exist.
func ExpandFilePath(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(expanded); err == nil && info.IsDir() {
		return "", errors.Newf("%s is a directory", expanded)
	}

	dir := filepath.Dir(expanded)
	info, err := os.Stat(dir)
	if err != nil {
		return "", errors.Newf("directory %s does not exist", dir)
	}
	if !info.IsDir() {
		return "", errors.Newf("parent %s is not a directory", dir)
	}
	return expanded, nil
}
