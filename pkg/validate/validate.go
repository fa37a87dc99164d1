// Package validate provides input validation for cartoflow.
//
// Design: fail fast with helpful errors. No surprises later.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// identifierRe matches script and layer identifiers: letters, digits,
// underscore and dash, starting with a letter or digit.
var identifierRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Identifier validates a script or layer identity.
func Identifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("identifier too long (max 128): %s", id)
	}
	if !identifierRe.MatchString(id) {
		return fmt.Errorf("invalid identifier (use letters, digits, _ and -): %s", id)
	}
	return nil
}

// Path validates a file path is safe.
func Path(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}
	return nil
}

// PathExists validates path exists and is a regular file.
func PathExists(path string) error {
	if err := Path(path); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("does not exist: %s", path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied: %s", path)
		}
		return fmt.Errorf("cannot access: %s (%v)", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory: %s", path)
	}
	return nil
}

// DirExists validates path exists and is a directory.
func DirExists(path string) error {
	if err := Path(path); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("does not exist: %s", path)
		}
		return fmt.Errorf("cannot access: %s (%v)", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}
	return nil
}

// ProgramPath validates a path points at a readable Python program.
func ProgramPath(path string) error {
	if err := PathExists(path); err != nil {
		return err
	}
	if strings.ToLower(filepath.Ext(path)) != ".py" {
		return fmt.Errorf("not a python program: %s", path)
	}
	return nil
}
