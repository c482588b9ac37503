package rasterops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const DefaultMaskSuffix = "_coffee_extent.tif"

var ErrMaskNotFound = errors.New("mask file not found")

// FindMaskFile returns the path of {woredaID}{suffix} in dir.
func FindMaskFile(woredaID, dir, suffix string) (string, error) {
	if suffix == "" {
		suffix = DefaultMaskSuffix
	}
	path := filepath.Join(dir, woredaID+suffix)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrMaskNotFound, path)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrMaskNotFound, path)
	}
	return path, nil
}
