package httpx

import (
	"archive/zip"

	"github.com/aamitn/radixiot/internal/domain"
)

// summarizeArchive lists the entries of a staged zip bundle. It also serves as
// the validity check for uploads.
func summarizeArchive(path, filename string) (domain.ArchiveSummary, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return domain.ArchiveSummary{}, err
	}
	defer reader.Close()

	summary := domain.ArchiveSummary{Filename: filename}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		size := int64(f.UncompressedSize64)
		summary.Files = append(summary.Files, domain.ArchiveEntry{
			Filename: f.Name,
			Size:     size,
		})
		summary.TotalSize += size
	}
	return summary, nil
}
