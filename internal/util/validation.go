package util

import (
	"path/filepath"
	"strings"
)

type NameValidation struct {
	Valid bool
	Error string
}

// ValidateDownloadName checks a client-supplied artifact name without
// touching the filesystem. allowedExts are lower-case, with the dot.
func ValidateDownloadName(name string, allowedExts ...string) NameValidation {
	if name == "" {
		return NameValidation{false, "Filename is required"}
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return NameValidation{false, "Invalid filename"}
	}
	if filepath.Base(name) != name {
		return NameValidation{false, "Invalid filename"}
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range allowedExts {
		if ext == allowed {
			return NameValidation{true, ""}
		}
	}
	return NameValidation{false, "Invalid file type"}
}
