package models

import (
	"path/filepath"
	"strings"
)

// Template is one uploaded certificate background. Its declared name is the
// file name without extension and must equal a record's document id.
type Template struct {
	FileName string
	Content  []byte
}

// DeclaredName returns the name a record's document id is matched against.
func (t Template) DeclaredName() string {
	return DeclaredName(t.FileName)
}

// DeclaredName strips directory and extension from a template file name.
func DeclaredName(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
