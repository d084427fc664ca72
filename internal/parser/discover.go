package parser

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// FindFiles returns every file under root with the given extension, sorted
// by path so that log files line up with the plan's layer order.
func FindFiles(root, ext string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ext) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

// FindRTPlan picks the RT plan DICOM inside logDir. A file whose name
// contains RTPLAN is preferred, otherwise the first .dcm in path order.
func FindRTPlan(logDir string) (string, error) {
	files, err := FindFiles(logDir, ".dcm")
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no .dcm file found in %s: %w", logDir, fs.ErrNotExist)
	}
	for _, f := range files {
		if strings.Contains(strings.ToUpper(filepath.Base(f)), "RTPLAN") {
			return f, nil
		}
	}
	return files[0], nil
}
