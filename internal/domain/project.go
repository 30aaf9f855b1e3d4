package domain

import (
	"encoding/base64"
	"path/filepath"
)

// EncodeProjectID derives a reversible, URL-safe project id from an absolute
// project path. The path is cleaned first so equivalent spellings map to the
// same id.
func EncodeProjectID(projectPath string) (string, error) {
	if projectPath == "" || !filepath.IsAbs(projectPath) {
		return "", NewSubSystemError("project", "EncodeProjectID", ErrInvalidInput,
			"project path must be absolute: "+projectPath)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(filepath.Clean(projectPath))), nil
}

// DecodeProjectID recovers the absolute path encoded by EncodeProjectID.
func DecodeProjectID(projectID string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(projectID)
	if err != nil {
		return "", NewSubSystemError("project", "DecodeProjectID", ErrInvalidInput, err.Error())
	}
	path := string(raw)
	if !filepath.IsAbs(path) {
		return "", NewSubSystemError("project", "DecodeProjectID", ErrInvalidInput,
			"decoded path is not absolute")
	}
	return path, nil
}
