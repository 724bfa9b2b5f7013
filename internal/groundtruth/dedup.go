package groundtruth

import (
	"log"
)

// DedupResult partitions a listing into first occurrences and repeats.
type DedupResult struct {
	Deduplicated  []LabelRow
	Duplicates    []LabelRow
	HadDuplicates bool
}

// Deduplicate keeps the first row seen for each image key, in input order.
// Later rows with the same key go to Duplicates. Blank rows are dropped.
func Deduplicate(rows []LabelRow) DedupResult {
	var result DedupResult
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		if row.Blank() {
			continue
		}
		if _, ok := seen[row.Key]; ok {
			result.Duplicates = append(result.Duplicates, row)
			continue
		}
		seen[row.Key] = struct{}{}
		result.Deduplicated = append(result.Deduplicated, row)
	}

	result.HadDuplicates = len(result.Duplicates) > 0
	return result
}

// CheckDuplicates deduplicates the listing at src. Both report files are
// written only when duplicates were found; otherwise nothing is persisted.
func CheckDuplicates(src, deduplicatedPath, duplicatesPath string) (DedupResult, error) {
	log.Printf("Deduplicating %s", src)

	rows, err := ReadListing(src)
	if err != nil {
		return DedupResult{}, err
	}

	result := Deduplicate(rows)
	if !result.HadDuplicates {
		log.Printf("No duplicates in %s (%d rows)", src, len(result.Deduplicated))
		return result, nil
	}

	if err := writeListingFile(deduplicatedPath, result.Deduplicated); err != nil {
		return result, err
	}
	if err := writeListingFile(duplicatesPath, result.Duplicates); err != nil {
		return result, err
	}

	log.Printf("Duplicates found (%d rows), check %s", len(result.Duplicates), duplicatesPath)
	return result, nil
}
