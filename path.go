package ipasim

import (
	"path/filepath"
	"strings"
)

// ResolvePath rewrites an absolute guest path (e.g.
// "/System/Library/Frameworks/Foundation.framework/Foundation") to its
// package-relative "gen/..." location with host-native separators, the
// way the original DynamicLoader::resolvePath does. Any other path is
// returned unchanged, with relative reporting whether it is itself a
// relative filesystem path (used for recognizing package-relative
// wrapper DLLs regardless of which form the caller supplied).
func ResolvePath(path string) (resolved string, relative bool) {
	if strings.HasPrefix(path, "/") {
		return filepath.FromSlash("gen" + path), true
	}
	return path, !filepath.IsAbs(path)
}

// IsWrapperDLL reports whether a resolved, package-relative path names a
// wrapper DLL: it lives under "gen/" and ends in ".wrapper.dll".
func IsWrapperDLL(resolvedPath string, relative bool) bool {
	if !relative {
		return false
	}
	slashed := filepath.ToSlash(resolvedPath)
	return strings.HasPrefix(slashed, "gen/") && strings.HasSuffix(slashed, ".wrapper.dll")
}

// WrapperPathFor derives the companion wrapper DLL path for a host
// library file name stem: "gen/<stem>.wrapper.dll".
func WrapperPathFor(libraryPath string) string {
	stem := strings.TrimSuffix(filepath.Base(libraryPath), filepath.Ext(libraryPath))
	return filepath.FromSlash("gen/" + stem + ".wrapper.dll")
}
