// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxSessionIDLength é o comprimento máximo permitido para IDs de sessão.
const maxSessionIDLength = 128

// ValidateSessionID valida que um ID de sessão é seguro para uso como
// componente de caminho no filesystem. Previne path traversal.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	if len(id) > maxSessionIDLength {
		return fmt.Errorf("session id exceeds max length %d", maxSessionIDLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id contains path separator")
	}

	// Rejeita NUL byte
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("session id contains null byte")
	}

	// Rejeita path traversal e hidden files
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("session id starts with dot")
	}

	// Whitelist conservadora: o ID vira nome de arquivo e chave de archive.
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("session id contains invalid character %q", r)
		}
	}

	return nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de baseDir.
// Defesa em profundidade contra path traversal.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}
