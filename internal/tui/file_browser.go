package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileItem is one row of the attachment picker.
type FileItem struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

// browseDirectory lists path with a parent entry first, then directories,
// then files, skipping dotfiles.
func browseDirectory(path string) ([]FileItem, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]FileItem, 0, len(entries)+1)
	for _, entry := range entries {
		if len(entry.Name()) > 0 && entry.Name()[0] == '.' {
			continue
		}
		item := FileItem{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})

	if parent := filepath.Dir(path); parent != path {
		items = append([]FileItem{{Name: "..", Path: parent, IsDir: true}}, items...)
	}
	return items, nil
}

// getDefaultBrowsePath prefers ~/Documents, then ~/Downloads, then home.
func getDefaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		for _, dir := range []string{"Documents", "Downloads"} {
			candidate := filepath.Join(home, dir)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
