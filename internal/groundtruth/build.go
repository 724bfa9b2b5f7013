package groundtruth

import (
	"fmt"
	"log"
)

// BuildReport describes one listing-to-manifest run.
type BuildReport struct {
	Listing          string
	DeduplicatedPath string
	DuplicatesPath   string
	ManifestPath     string
	Dedup            DedupResult
	Result           Result
}

// Build deduplicates listing and, when it is clean, writes its manifest to
// manifestPath (ManifestPath(listing) when empty). When duplicates exist the
// report files are written, no manifest is produced, and the error wraps
// ErrDuplicatesFound with the files the operator must correct.
func (s *Synthesizer) Build(listing, manifestPath string) (BuildReport, error) {
	report := BuildReport{Listing: listing, ManifestPath: manifestPath}
	if report.ManifestPath == "" {
		report.ManifestPath = ManifestPath(listing)
	}
	report.DeduplicatedPath, report.DuplicatesPath = SidecarPaths(listing)

	dedup, err := CheckDuplicates(listing, report.DeduplicatedPath, report.DuplicatesPath)
	report.Dedup = dedup
	if err != nil {
		return report, err
	}
	if dedup.HadDuplicates {
		return report, fmt.Errorf(
			"%w in %s: review %s, correct the labels in %s, then re-run with %s",
			ErrDuplicatesFound, listing, report.DuplicatesPath, report.DeduplicatedPath, report.DeduplicatedPath,
		)
	}

	log.Printf("No duplicates found, creating manifest %s", report.ManifestPath)

	result, err := s.CreateManifestFile(listing, report.ManifestPath)
	report.Result = result
	if err != nil {
		return report, err
	}
	return report, nil
}
