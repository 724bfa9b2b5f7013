// Package detection turns Custom Labels and text detections on an
// architecture diagram into a ranked list of services with documentation
// links.
package detection

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"golang.org/x/sync/errgroup"
)

// MinConfidence is the lowest Custom Labels confidence requested.
const MinConfidence = 15

// lookupBatch bounds concurrent reference lookups.
const lookupBatch = 5

// Box is a bounding box in image-relative units.
type Box struct {
	Left   float64 `json:"Left"`
	Top    float64 `json:"Top"`
	Width  float64 `json:"Width"`
	Height float64 `json:"Height"`
}

// Label is one detected service icon.
type Label struct {
	Name       string  `json:"Name"`
	Confidence float64 `json:"Confidence"`
	Box        Box     `json:"BoundingBox"`
}

// Text is one line or word read from the diagram.
type Text struct {
	DetectedText string `json:"DetectedText"`
	ParentID     *int32 `json:"ParentId,omitempty"`
}

// RefLink points one or more services at a documentation page.
type RefLink struct {
	Service string `json:"Service"`
	Link    string `json:"Link"`
}

// Result is the response for one analyzed diagram.
type Result struct {
	Labels   []Label   `json:"labels"`
	Text     []Text    `json:"text"`
	Services []string  `json:"services"`
	RefLinks []RefLink `json:"ref_links"`
}

func overlaps(a, b Box) bool {
	return math.Abs(a.Left-b.Left) < math.Max(a.Width, b.Width) &&
		math.Abs(a.Top-b.Top) < math.Max(a.Height, b.Height)
}

// RemoveOverlapping keeps, for each cluster of overlapping boxes, the more
// confident label. Labels are compared newest kept first; a kept label that
// is no more confident than the candidate is replaced by it.
func RemoveOverlapping(labels []Label) []Label {
	var kept []Label
	for _, label := range labels {
		keep := true
		for i := len(kept) - 1; i >= 0; i-- {
			if !overlaps(label.Box, kept[i].Box) {
				continue
			}
			if kept[i].Confidence > label.Confidence {
				keep = false
				continue
			}
			kept = slices.Delete(kept, i, i+1)
			break
		}
		if keep {
			kept = append(kept, label)
		}
	}
	return kept
}

// SortByConfidence orders labels from most to least confident. Ties keep
// their input order.
func SortByConfidence(labels []Label) {
	slices.SortStableFunc(labels, func(a, b Label) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
}

// UniqueServices lists label names, then service names read from text that
// mention AWS or Amazon alongside something else, without repeats.
func UniqueServices(labels []Label, texts []Text) []string {
	var services []string
	for _, label := range labels {
		services = append(services, label.Name)
	}

	for _, text := range texts {
		lower := strings.ToLower(text.DetectedText)
		if !strings.Contains(lower, "aws") && !strings.Contains(lower, "amazon") {
			continue
		}
		rest := strings.Replace(lower, "aws", "", 1)
		rest = strings.Replace(rest, "amazon", "", 1)
		if strings.TrimSpace(rest) == "" {
			continue
		}
		services = append(services, strings.ReplaceAll(text.DetectedText, " ", "-"))
	}

	seen := make(map[string]bool, len(services))
	unique := make([]string, 0, len(services))
	for _, s := range services {
		if seen[s] {
			continue
		}
		seen[s] = true
		unique = append(unique, s)
	}
	return unique
}

// Linker finds the documentation page for a service. An empty link means no
// page was found.
type Linker interface {
	Lookup(ctx context.Context, service string) (string, error)
}

// ReferenceLinks looks services up lookupBatch at a time and groups services
// that share a page into one entry, in first-seen order.
func ReferenceLinks(ctx context.Context, linker Linker, services []string) ([]RefLink, error) {
	links := make([]string, len(services))
	for start := 0; start < len(services); start += lookupBatch {
		end := min(start+lookupBatch, len(services))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				link, err := linker.Lookup(gctx, services[i])
				if err != nil {
					return err
				}
				links[i] = link
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var refs []RefLink
	byLink := make(map[string]int)
	for i, link := range links {
		if link == "" {
			continue
		}
		if idx, ok := byLink[link]; ok {
			refs[idx].Service += ", " + services[i]
			continue
		}
		byLink[link] = len(refs)
		refs = append(refs, RefLink{Service: services[i], Link: link})
	}
	return refs, nil
}

// API is the subset of the Rekognition client the Detector uses.
type API interface {
	DetectCustomLabels(ctx context.Context, params *rekognition.DetectCustomLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectCustomLabelsOutput, error)
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// NewClient builds a Rekognition client for region.
func NewClient(ctx context.Context, region string) (*rekognition.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return rekognition.NewFromConfig(awsCfg), nil
}

// Detector runs a trained model and text detection over diagram images.
type Detector struct {
	client   API
	modelARN string
	linker   Linker
}

// NewDetector returns a Detector for the model version at modelARN.
func NewDetector(client API, modelARN string, linker Linker) *Detector {
	return &Detector{client: client, modelARN: modelARN, linker: linker}
}

// Analyze detects labels and text in image, then filters, ranks and links
// the services found.
func (d *Detector) Analyze(ctx context.Context, image []byte) (Result, error) {
	var (
		labelsOut *rekognition.DetectCustomLabelsOutput
		textOut   *rekognition.DetectTextOutput
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := d.client.DetectCustomLabels(gctx, &rekognition.DetectCustomLabelsInput{
			Image:             &types.Image{Bytes: image},
			ProjectVersionArn: aws.String(d.modelARN),
			MinConfidence:     aws.Float32(MinConfidence),
		})
		if err != nil {
			return fmt.Errorf("failed to detect custom labels: %w", err)
		}
		labelsOut = out
		return nil
	})
	g.Go(func() error {
		out, err := d.client.DetectText(gctx, &rekognition.DetectTextInput{
			Image: &types.Image{Bytes: image},
		})
		if err != nil {
			return fmt.Errorf("failed to detect text: %w", err)
		}
		textOut = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result := Result{
		Labels: RemoveOverlapping(convertLabels(labelsOut.CustomLabels)),
		Text:   convertText(textOut.TextDetections),
	}
	SortByConfidence(result.Labels)
	result.Services = UniqueServices(result.Labels, result.Text)

	if d.linker != nil {
		refs, err := ReferenceLinks(ctx, d.linker, result.Services)
		if err != nil {
			log.Printf("Warning: reference lookup failed: %v", err)
		}
		result.RefLinks = refs
	}

	log.Printf("Detected %d labels, %d text lines, %d services", len(result.Labels), len(result.Text), len(result.Services))
	return result, nil
}

func convertLabels(in []types.CustomLabel) []Label {
	out := make([]Label, 0, len(in))
	for _, cl := range in {
		label := Label{
			Name:       aws.ToString(cl.Name),
			Confidence: float64(aws.ToFloat32(cl.Confidence)),
		}
		if cl.Geometry != nil && cl.Geometry.BoundingBox != nil {
			bb := cl.Geometry.BoundingBox
			label.Box = Box{
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
			}
		}
		out = append(out, label)
	}
	return out
}

func convertText(in []types.TextDetection) []Text {
	out := make([]Text, 0, len(in))
	for _, td := range in {
		out = append(out, Text{DetectedText: aws.ToString(td.DetectedText), ParentID: td.ParentId})
	}
	return out
}
