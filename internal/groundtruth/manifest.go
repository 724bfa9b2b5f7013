package groundtruth

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Shape selects how a record's annotations are serialized.
type Shape int

const (
	ShapeClassification Shape = iota
	ShapeObjectDetection
)

func (s Shape) String() string {
	switch s {
	case ShapeObjectDetection:
		return "object-detection"
	default:
		return "image-classification"
	}
}

// CanvasMarker in an image key marks an annotated-canvas image, which is
// emitted as object detection ground truth.
const CanvasMarker = "canvas"

// CreationDateLayout matches the microsecond timestamps Ground Truth writes.
const CreationDateLayout = "2006-01-02T15:04:05.000000"

// Placeholder geometry for canvas images. It is not derived from the image;
// every canvas label gets the same box on the same canvas size.
var (
	canvasBox  = boundingBox{Left: 688, Top: 434, Width: 130, Height: 133}
	canvasSize = imageSize{Width: 1502, Height: 997, Depth: 3}
)

// ShapeForKey picks the manifest shape for an image key.
func ShapeForKey(key string) Shape {
	if strings.Contains(key, CanvasMarker) {
		return ShapeObjectDetection
	}
	return ShapeClassification
}

// ManifestRecord is one manifest line: an image reference plus its labels.
type ManifestRecord struct {
	SourceRef   string
	Shape       Shape
	Labels      []string
	ProjectName string
	CreatedAt   time.Time
}

type classificationMetadata struct {
	Confidence     int    `json:"confidence"`
	JobName        string `json:"job-name"`
	ClassName      string `json:"class-name"`
	HumanAnnotated string `json:"human-annotated"`
	CreationDate   string `json:"creation-date"`
	Type           string `json:"type"`
}

type boundingBox struct {
	Left    int `json:"left"`
	Top     int `json:"top"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	ClassID int `json:"class_id"`
}

type imageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Depth  int `json:"depth"`
}

type detectionLabel struct {
	Annotations []boundingBox `json:"annotations"`
	ImageSize   []imageSize   `json:"image_size"`
}

type objectConfidence struct {
	Confidence int `json:"confidence"`
}

type detectionMetadata struct {
	JobName        string             `json:"job-name"`
	ClassMap       map[string]string  `json:"class-map"`
	HumanAnnotated string             `json:"human-annotated"`
	Objects        []objectConfidence `json:"objects"`
	CreationDate   string             `json:"creation-date"`
	Type           string             `json:"type"`
}

// MarshalJSON writes source-ref first, then the annotation keys in label order.
func (r ManifestRecord) MarshalJSON() ([]byte, error) {
	var obj orderedObject
	obj.set("source-ref", r.SourceRef)

	created := r.CreatedAt.UTC().Format(CreationDateLayout)

	switch r.Shape {
	case ShapeObjectDetection:
		if len(r.Labels) == 0 {
			break
		}
		attr := r.ProjectName + "-train_BB"
		label := detectionLabel{ImageSize: []imageSize{canvasSize}}
		meta := detectionMetadata{
			JobName:        "labeling-job/" + attr,
			ClassMap:       make(map[string]string, len(r.Labels)),
			HumanAnnotated: "yes",
			CreationDate:   created,
			Type:           "groundtruth/object-detection",
		}
		// Each label gets its own class id and class-map entry instead of
		// every box reusing class 0, so multi-label canvases stay distinct.
		for i, name := range r.Labels {
			box := canvasBox
			box.ClassID = i
			label.Annotations = append(label.Annotations, box)
			meta.ClassMap[strconv.Itoa(i)] = name
			meta.Objects = append(meta.Objects, objectConfidence{Confidence: 1})
		}
		obj.set(attr, label)
		obj.set(attr+"-metadata", meta)

	default:
		for _, name := range r.Labels {
			obj.set(name, 1)
			obj.set(name+"-metadata", classificationMetadata{
				Confidence:     1,
				JobName:        "labeling-job/" + name,
				ClassName:      name,
				HumanAnnotated: "yes",
				CreationDate:   created,
				Type:           "groundtruth/image-classification",
			})
		}
	}

	return obj.MarshalJSON()
}

// orderedObject is a JSON object that keeps insertion order. Setting an
// existing key replaces its value in place.
type orderedObject struct {
	keys   []string
	values []any
}

func (o *orderedObject) set(key string, value any) {
	for i, k := range o.keys {
		if k == key {
			o.values[i] = value
			return
		}
	}
	o.keys = append(o.keys, key)
	o.values = append(o.values, value)
}

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(o.values[i])
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Config drives manifest synthesis.
type Config struct {
	// PathPrefix is prepended to every image key to build source-ref, e.g.
	// "s3://bucket/folder/". Leave empty when keys are already full URIs.
	PathPrefix  string
	ProjectName string
	// Now stamps creation-date. Defaults to time.Now.
	Now func() time.Time
}

// Synthesizer turns listing rows into manifest records.
type Synthesizer struct {
	cfg Config
}

// NewSynthesizer returns a Synthesizer for cfg.
func NewSynthesizer(cfg Config) *Synthesizer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Synthesizer{cfg: cfg}
}

// Result holds the synthesized records and their summary counts.
type Result struct {
	Records    []ManifestRecord
	ImageCount int
	LabelCount int
}

// Synthesize builds one record per non-blank row, in input order.
func (s *Synthesizer) Synthesize(rows []LabelRow) Result {
	var result Result

	for i, row := range rows {
		if row.Blank() {
			continue
		}
		result.ImageCount++

		record := ManifestRecord{
			SourceRef:   s.cfg.PathPrefix + row.Key,
			Shape:       ShapeForKey(row.Key),
			ProjectName: s.cfg.ProjectName,
			CreatedAt:   s.cfg.Now().UTC(),
		}

		if row.Key == "" {
			log.Printf("Row %d: %v: empty image key, skipping %d label columns", i+1, ErrMalformedRow, len(row.Labels))
			result.Records = append(result.Records, record)
			continue
		}

		for _, label := range row.Labels {
			if label == "" {
				continue
			}
			record.Labels = append(record.Labels, label)
			result.LabelCount++
		}

		result.Records = append(result.Records, record)
	}

	return result
}

// WriteManifest writes records as JSON Lines.
func WriteManifest(w io.Writer, records []ManifestRecord) error {
	bw := bufio.NewWriter(w)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode record for %s: %w", record.SourceRef, err)
		}
		bw.Write(line)
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// EncodeManifest renders records into an in-memory manifest.
func EncodeManifest(records []ManifestRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteManifest(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CreateManifestFile reads the listing at src and writes its manifest to dst.
func (s *Synthesizer) CreateManifestFile(src, dst string) (Result, error) {
	log.Printf("Processing listing %s", src)

	rows, err := ReadListing(src)
	if err != nil {
		return Result{}, err
	}

	result := s.Synthesize(rows)

	f, err := os.Create(dst)
	if err != nil {
		return result, fmt.Errorf("%w: create %s: %w", ErrIOFailure, dst, err)
	}
	if err := WriteManifest(f, result.Records); err != nil {
		f.Close()
		return result, fmt.Errorf("%w: write %s: %w", ErrIOFailure, dst, err)
	}
	if err := f.Close(); err != nil {
		return result, fmt.Errorf("%w: close %s: %w", ErrIOFailure, dst, err)
	}

	log.Printf("Finished creating manifest file %s (images=%d, labels=%d)", dst, result.ImageCount, result.LabelCount)
	return result, nil
}
