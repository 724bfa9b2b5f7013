package groundtruth

import (
	"fmt"
	"log"
	"path"
	"strings"
)

// Split names a dataset partition in the training control plane.
type Split string

const (
	SplitTrain Split = "TRAIN"
	SplitTest  Split = "TEST"
)

// Includes reports whether an object key belongs to the split. Canvas images
// are held out for testing; everything else trains.
func (s Split) Includes(key string) bool {
	canvas := strings.Contains(key, CanvasMarker)
	if s == SplitTest {
		return canvas
	}
	return !canvas
}

// ExtractLabel derives a label from an icon file name.
//
//	Arch_Amazon-S3_64.png     -> Amazon-S3
//	Arch_Elastic-Load-Balancing_48.svg -> Elastic-Load-Balancing
//	Res_Amazon-EC2_Instance_48.png     -> Amazon-EC2-Instance
//
// Architecture icons from other vendors return an empty label and no error.
// Names that follow neither convention return ErrMalformedRow.
func ExtractLabel(key string) (string, error) {
	base := path.Base(key)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")

	switch parts[0] {
	case "Arch":
		if len(parts) < 2 {
			break
		}
		vendor, _, _ := strings.Cut(parts[1], "-")
		if vendor == "Amazon" || vendor == "AWS" || parts[1] == "Elastic-Load-Balancing" {
			return parts[1], nil
		}
		return "", nil
	case "Res":
		if len(parts) < 3 {
			break
		}
		return parts[1] + "-" + parts[2], nil
	}

	return "", fmt.Errorf("%w: %s has a different file name format", ErrMalformedRow, key)
}

// BuildListing turns object keys into listing rows for one split. Each row is
// the object's s3 URI and its extracted label. Keys without a label, or whose
// label is not in allowed, are left out; an empty allowed set admits all.
func BuildListing(bucket string, keys []string, split Split, allowed map[string]bool) []LabelRow {
	var rows []LabelRow
	skipped := 0

	for _, key := range keys {
		if !split.Includes(key) {
			continue
		}

		label, err := ExtractLabel(key)
		if err != nil {
			log.Printf("Skipping %s: %v", key, err)
			skipped++
			continue
		}
		if label == "" {
			continue
		}
		if len(allowed) > 0 && !allowed[label] {
			continue
		}

		rows = append(rows, LabelRow{
			Key:    fmt.Sprintf("s3://%s/%s", bucket, key),
			Labels: []string{label},
		})
	}

	log.Printf("Built %s listing: %d rows from %d objects (%d malformed)", split, len(rows), len(keys), skipped)
	return rows
}
