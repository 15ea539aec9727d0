package cos

import "strings"

// InvalidImportPath reports why s cannot be used as a FileImportRequest path
// or an Acquisition/File name component, or "" if s is valid.
//
// Grounded on original_source/alpenhorn/common/util.py's invalid_import_path.
func InvalidImportPath(s string) string {
	switch {
	case s == "":
		return "empty path"
	case s == ".", s == "..":
		return "invalid path"
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"):
		return "invalid start"
	case strings.HasSuffix(s, "/"), strings.HasSuffix(s, "/."), strings.HasSuffix(s, "/.."):
		return "invalid end"
	case strings.Contains(s, "//"):
		return "repeated /"
	case strings.Contains(s, "/./"):
		return `invalid path element "."`
	case strings.Contains(s, "/../"):
		return `invalid path element ".."`
	default:
		return ""
	}
}

// ValidImportPath is the boolean complement of InvalidImportPath.
func ValidImportPath(s string) bool { return InvalidImportPath(s) == "" }
