package staticfileserver

import (
	"path/filepath"
	"strings"
)

// defaultMimeTypes maps lowercase file extensions to content types. It covers
// the common web asset types; anything unknown falls back to octet-stream.
var defaultMimeTypes = map[string]string{
	".aac":    "audio/aac",
	".apng":   "image/apng",
	".avif":   "image/avif",
	".avi":    "video/x-msvideo",
	".bin":    "application/octet-stream",
	".bmp":    "image/bmp",
	".bz2":    "application/x-bzip2",
	".css":    "text/css; charset=utf-8",
	".csv":    "text/csv; charset=utf-8",
	".eot":    "application/vnd.ms-fontobject",
	".epub":   "application/epub+zip",
	".gz":     "application/gzip",
	".gif":    "image/gif",
	".htm":    "text/html; charset=utf-8",
	".html":   "text/html; charset=utf-8",
	".ico":    "image/vnd.microsoft.icon",
	".ics":    "text/calendar; charset=utf-8",
	".jpeg":   "image/jpeg",
	".jpg":    "image/jpeg",
	".js":     "text/javascript; charset=utf-8",
	".json":   "application/json; charset=utf-8",
	".jsonld": "application/ld+json; charset=utf-8",
	".mjs":    "text/javascript; charset=utf-8",
	".mp3":    "audio/mpeg",
	".mp4":    "video/mp4",
	".mpeg":   "video/mpeg",
	".oga":    "audio/ogg",
	".ogv":    "video/ogg",
	".opus":   "audio/opus",
	".otf":    "font/otf",
	".png":    "image/png",
	".pdf":    "application/pdf",
	".rtf":    "application/rtf",
	".svg":    "image/svg+xml",
	".tar":    "application/x-tar",
	".tif":    "image/tiff",
	".tiff":   "image/tiff",
	".ttf":    "font/ttf",
	".txt":    "text/plain; charset=utf-8",
	".wav":    "audio/wav",
	".weba":   "audio/webm",
	".webm":   "video/webm",
	".webp":   "image/webp",
	".woff":   "font/woff",
	".woff2":  "font/woff2",
	".xhtml":  "application/xhtml+xml; charset=utf-8",
	".xml":    "application/xml; charset=utf-8",
	".zip":    "application/zip",
	".7z":     "application/x-7z-compressed",
}

const defaultOctetStreamMimeType = "application/octet-stream"

// MimeTypeResolver resolves content types for file paths, letting handler
// configuration override or extend the built-in table.
type MimeTypeResolver struct {
	custom map[string]string
}

// NewMimeTypeResolver normalizes the custom mappings: extensions are
// lowercased and given a leading dot where missing.
func NewMimeTypeResolver(custom map[string]string) *MimeTypeResolver {
	normalized := make(map[string]string, len(custom))
	for ext, mime := range custom {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[ext] = mime
	}
	return &MimeTypeResolver{custom: normalized}
}

// GetMimeType returns the content type for filePath. Custom mappings win
// over the defaults; a missing or unknown extension yields octet-stream.
func (r *MimeTypeResolver) GetMimeType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if mime, ok := r.custom[ext]; ok {
		return mime
	}
	if mime, ok := defaultMimeTypes[ext]; ok {
		return mime
	}
	return defaultOctetStreamMimeType
}
