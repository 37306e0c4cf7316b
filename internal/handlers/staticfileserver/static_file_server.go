// Package staticfileserver serves files from a configured document root,
// with ETag and Last-Modified conditional requests, index files, and
// optional directory listings.
package staticfileserver

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"example.com/h3engine/internal/logger"
	"example.com/h3engine/internal/server"
)

// HandlerType is the registry name for this handler.
const HandlerType = "StaticFileServer"

// StaticFileServer implements server.Handler for static content.
type StaticFileServer struct {
	documentRoot          string
	indexFiles            []string
	serveDirectoryListing bool
	log                   *logger.Logger
	mimeResolver          *MimeTypeResolver
}

// New is the server.HandlerFactory for StaticFileServer. The handler config
// keys are document_root (required), index_files, serve_directory_listing,
// and mime_types.
func New(handlerConfig map[string]interface{}, lg *logger.Logger) (server.Handler, error) {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	root, _ := handlerConfig["document_root"].(string)
	if root == "" {
		return nil, fmt.Errorf("staticfileserver: document_root must be set")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("staticfileserver: resolving document_root: %w", err)
	}
	fi, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("staticfileserver: document_root %s: %w", absRoot, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("staticfileserver: document_root %s is not a directory", absRoot)
	}

	indexFiles := []string{"index.html"}
	if raw, ok := handlerConfig["index_files"].([]interface{}); ok {
		indexFiles = nil
		for _, v := range raw {
			name, ok := v.(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("staticfileserver: index_files entries must be non-empty strings")
			}
			indexFiles = append(indexFiles, name)
		}
	}

	listing, _ := handlerConfig["serve_directory_listing"].(bool)

	custom := make(map[string]string)
	if raw, ok := handlerConfig["mime_types"].(map[string]interface{}); ok {
		for ext, v := range raw {
			mime, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("staticfileserver: mime_types[%s] must be a string", ext)
			}
			custom[ext] = mime
		}
	}

	return &StaticFileServer{
		documentRoot:          absRoot,
		indexFiles:            indexFiles,
		serveDirectoryListing: listing,
		log:                   lg,
		mimeResolver:          NewMimeTypeResolver(custom),
	}, nil
}

// generateETag builds a strong ETag from the file's size and mtime.
func generateETag(fi os.FileInfo) string {
	return fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
}

// checkConditionalRequests reports whether a 304 should be sent. If-None-Match
// takes precedence over If-Modified-Since; the latter is only consulted when
// the former is absent.
func checkConditionalRequests(req *server.Request, fileInfo os.FileInfo, etag string) bool {
	if inm, ok := req.HeaderValue("if-none-match"); ok && inm != "" {
		if inm == "*" {
			return true
		}
		serverTag := strings.Trim(etag, "\"")
		for _, clientETag := range strings.Split(inm, ",") {
			clientETag = strings.TrimSpace(clientETag)
			clientETag = strings.TrimPrefix(clientETag, "W/")
			if strings.Trim(clientETag, "\"") == serverTag {
				return true
			}
		}
		return false
	}

	if ims, ok := req.HeaderValue("if-modified-since"); ok && ims != "" {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		modTime := fileInfo.ModTime().Truncate(time.Second)
		return !modTime.After(t.Truncate(time.Second))
	}
	return false
}

func (sfs *StaticFileServer) ServeHTTP3(rw server.ResponseWriterStream, req *server.Request) {
	requestPath := req.Path
	if i := strings.IndexByte(requestPath, '?'); i >= 0 {
		requestPath = requestPath[:i]
	}

	subPath := strings.TrimPrefix(requestPath, req.RoutePattern)
	subPath = strings.TrimPrefix(subPath, "/")

	canonicalPath, fileInfo, status, err := sfs.resolvePath(subPath)
	if err != nil {
		sfs.log.Info("path resolution failed", logger.LogFields{
			"stream_id": rw.ID(), "path": requestPath, "status": status, "error": err.Error(),
		})
		var detail string
		switch status {
		case http.StatusNotFound:
			detail = "File not found."
		case http.StatusForbidden:
			detail = "Access denied."
		default:
			detail = "Error accessing file."
		}
		server.SendDefaultErrorResponse(rw, status, req, detail, sfs.log)
		return
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		sfs.handleOptions(rw)
		return
	default:
		server.SendDefaultErrorResponse(rw, http.StatusMethodNotAllowed, req, "Method not allowed for this resource.", sfs.log)
		return
	}

	if fileInfo.IsDir() {
		sfs.handleDirectory(rw, req, canonicalPath, requestPath)
	} else {
		sfs.serveFile(rw, req, canonicalPath, fileInfo)
	}
}

// resolvePath joins subPath onto the document root, canonicalizes it, and
// rejects escapes from the root. It returns the fs path, its stat result,
// and on failure the HTTP status to answer with.
func (sfs *StaticFileServer) resolvePath(subPath string) (string, os.FileInfo, int, error) {
	if strings.Contains(subPath, "\x00") {
		return "", nil, http.StatusNotFound, fmt.Errorf("invalid path: NUL byte")
	}

	joined := filepath.Join(sfs.documentRoot, filepath.FromSlash(subPath))
	canonical := filepath.Clean(joined)

	if canonical != sfs.documentRoot && !strings.HasPrefix(canonical, sfs.documentRoot+string(filepath.Separator)) {
		return "", nil, http.StatusNotFound, fmt.Errorf("path %q escapes document root", subPath)
	}

	fi, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, http.StatusNotFound, err
		}
		if os.IsPermission(err) {
			return "", nil, http.StatusForbidden, err
		}
		return "", nil, http.StatusInternalServerError, err
	}
	return canonical, fi, 0, nil
}

func (sfs *StaticFileServer) handleOptions(rw server.ResponseWriterStream) {
	headers := []server.HeaderField{
		{Name: ":status", Value: "204"},
		{Name: "allow", Value: "GET, HEAD, OPTIONS"},
	}
	if err := rw.SendHeaders(headers, true); err != nil {
		sfs.log.Error("sending OPTIONS response", logger.LogFields{
			"stream_id": rw.ID(), "error": err.Error(),
		})
	}
}

// handleDirectory serves the first configured index file that exists, falls
// back to a generated listing when enabled, and otherwise answers 403.
func (sfs *StaticFileServer) handleDirectory(rw server.ResponseWriterStream, req *server.Request, dirPath, webPath string) {
	for _, indexName := range sfs.indexFiles {
		indexPath := filepath.Join(dirPath, indexName)
		fi, err := os.Stat(indexPath)
		if err == nil && !fi.IsDir() {
			sfs.serveFile(rw, req, indexPath, fi)
			return
		}
	}

	if !sfs.serveDirectoryListing {
		server.SendDefaultErrorResponse(rw, http.StatusForbidden, req, "Access to this directory is forbidden.", sfs.log)
		return
	}

	body, err := sfs.generateDirectoryListingHTML(dirPath, webPath)
	if err != nil {
		sfs.log.Error("generating directory listing", logger.LogFields{
			"stream_id": rw.ID(), "dir": dirPath, "error": err.Error(),
		})
		server.SendDefaultErrorResponse(rw, http.StatusInternalServerError, req, "Error generating directory listing.", sfs.log)
		return
	}

	headers := []server.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/html; charset=utf-8"},
		{Name: "content-length", Value: fmt.Sprintf("%d", len(body))},
	}
	if req.Method == http.MethodHead {
		rw.SendHeaders(headers, true)
		return
	}
	if err := rw.SendHeaders(headers, false); err != nil {
		return
	}
	rw.WriteData(body, true)
}

func (sfs *StaticFileServer) serveFile(rw server.ResponseWriterStream, req *server.Request, filePath string, fileInfo os.FileInfo) {
	etag := generateETag(fileInfo)
	lastModified := fileInfo.ModTime().UTC().Format(http.TimeFormat)

	if checkConditionalRequests(req, fileInfo, etag) {
		headers := []server.HeaderField{
			{Name: ":status", Value: "304"},
			{Name: "etag", Value: etag},
			{Name: "last-modified", Value: lastModified},
		}
		if err := rw.SendHeaders(headers, true); err != nil {
			sfs.log.Error("sending 304 headers", logger.LogFields{
				"stream_id": rw.ID(), "path": filePath, "error": err.Error(),
			})
		}
		return
	}

	headers := []server.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: sfs.mimeResolver.GetMimeType(filePath)},
		{Name: "content-length", Value: fmt.Sprintf("%d", fileInfo.Size())},
		{Name: "last-modified", Value: lastModified},
		{Name: "etag", Value: etag},
	}

	if req.Method == http.MethodHead || fileInfo.Size() == 0 {
		if err := rw.SendHeaders(headers, true); err != nil {
			sfs.log.Error("sending response headers", logger.LogFields{
				"stream_id": rw.ID(), "path": filePath, "error": err.Error(),
			})
		}
		return
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsPermission(err) {
			server.SendDefaultErrorResponse(rw, http.StatusForbidden, req, "Access denied while opening file.", sfs.log)
		} else {
			server.SendDefaultErrorResponse(rw, http.StatusInternalServerError, req, "Error reading file.", sfs.log)
		}
		return
	}
	defer file.Close()

	if err := rw.SendHeaders(headers, false); err != nil {
		return
	}

	buf := make([]byte, 32<<10)
	for {
		n, readErr := file.Read(buf)
		if readErr != nil && readErr != io.EOF {
			sfs.log.Error("reading file content", logger.LogFields{
				"stream_id": rw.ID(), "path": filePath, "error": readErr.Error(),
			})
			// Headers already went out; nothing more can be said on this stream.
			return
		}
		if n > 0 {
			if _, werr := rw.WriteData(buf[:n], readErr == io.EOF); werr != nil {
				return
			}
		}
		if readErr == io.EOF {
			if n == 0 {
				rw.Finish()
			}
			return
		}
	}
}

// generateDirectoryListingHTML renders the directory contents, directories
// first, each group sorted by name.
func (sfs *StaticFileServer) generateDirectoryListingHTML(dirPath, webPath string) ([]byte, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dirPath, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	if !strings.HasSuffix(webPath, "/") {
		webPath += "/"
	}
	escapedPath := html.EscapeString(webPath)

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head><title>Index of %s</title></head>\n<body>\n", escapedPath)
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<table>\n", escapedPath)
	b.WriteString("<tr><th>Name</th><th>Size</th><th>Modified</th></tr>\n")
	if webPath != "/" {
		b.WriteString("<tr><td><a href=\"../\">../</a></td><td>-</td><td>-</td></tr>\n")
	}

	for _, entry := range entries {
		name := entry.Name()
		info, err := entry.Info()
		if err != nil {
			continue
		}
		display := html.EscapeString(name)
		href := html.EscapeString(name)
		size := humanize.IBytes(uint64(info.Size()))
		if entry.IsDir() {
			display += "/"
			href += "/"
			size = "-"
		}
		fmt.Fprintf(&b, "<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>\n",
			href, display, size, info.ModTime().UTC().Format(http.TimeFormat))
	}

	b.WriteString("</table>\n</body>\n</html>\n")
	return []byte(b.String()), nil
}
