package restyutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"otelms-scraper/lib/scrapers/otelms/model"
	"path/filepath"
	"time"
)

// FilesystemOutput writes request dumps and archived pages into a directory.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput creates dir if it does not exist. When clear is set
// whatever a previous run left in it is removed first.
func NewFilesystemOutput(dir string, clear bool) (FilesystemOutput, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return FilesystemOutput{}, err
	}
	if clear {
		err = os.RemoveAll(dir)
		if err != nil {
			return FilesystemOutput{}, err
		}
	}
	err = os.MkdirAll(dir, 0777)
	if err != nil {
		return FilesystemOutput{}, err
	}
	return FilesystemOutput{directory: dir}, nil
}

func (o FilesystemOutput) Dir() string {
	return o.directory
}

func (o FilesystemOutput) Write(id string, contents string) {
	err := os.WriteFile(filepath.Join(o.directory, id), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write message info file", "id", id, "err", err)
	}
}

// Archive keeps the body of a page that could not be used so it can be
// looked at by hand, it returns the path of the archived file.
func (o FilesystemOutput) Archive(page model.RawPage) (string, error) {
	sum := sha256.Sum256([]byte(page.Fingerprint))
	name := fmt.Sprintf("page-%s.html", hex.EncodeToString(sum[:8]))
	path := filepath.Join(o.directory, name)

	header := fmt.Sprintf("<!-- %s status=%d fetched=%s -->\n", page.URL, page.Status, page.FetchedAt.Format(time.RFC3339))
	err := os.WriteFile(path, append([]byte(header), page.Body...), 0600)
	if err != nil {
		return "", err
	}
	return path, nil
}
