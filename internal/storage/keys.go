package storage

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ImageKey builds the object key for one render of an image. Each render
// gets its own key so earlier versions stay addressable after an edit.
func ImageKey(brandID, imageID, renderID, mime string) string {
	return fmt.Sprintf("images/%s/%s/%s%s", safeSegment(brandID), safeSegment(imageID), safeSegment(renderID), ExtensionFor(mime))
}

// ExtensionFor maps a content type to a file extension.
func ExtensionFor(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	}
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

// Sniff returns the content type of data when declared is empty or generic.
func Sniff(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(data).String()
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
