package studiocache

import (
	"fmt"
	"strings"
)

// Category identifies one logical cache partition.
type Category string

const (
	// CategoryShell holds the application shell: HTML, scripts, API responses.
	CategoryShell Category = "shell"

	// CategoryAssets holds media assets: images, audio, video clips.
	CategoryAssets Category = "assets"

	// CategoryExports holds rendered export artifacts.
	CategoryExports Category = "exports"
)

// Categories lists every cache category, one namespace each.
var Categories = []Category{CategoryShell, CategoryAssets, CategoryExports}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryShell, CategoryAssets, CategoryExports:
		return true
	}
	return false
}

// Namespace is a versioned cache partition name, e.g. "assets-v3".
// A new deployment bumps the version so it can populate a fresh
// namespace without mutating the old one; the activation sweep then
// deletes superseded versions.
type Namespace string

// NamespaceFor returns the versioned namespace for a category.
func NamespaceFor(c Category, version int) Namespace {
	return Namespace(fmt.Sprintf("%s-v%d", c, version))
}

// Category returns the category portion of the namespace name.
// Returns an empty category if the name does not parse.
func (n Namespace) Category() Category {
	idx := strings.LastIndex(string(n), "-v")
	if idx < 0 {
		return ""
	}
	c := Category(n[:idx])
	if !c.Valid() {
		return ""
	}
	return c
}

// String implements fmt.Stringer.
func (n Namespace) String() string {
	return string(n)
}
