package detection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/google/go-cmp/cmp"
)

func label(name string, confidence, left, top float64) Label {
	return Label{Name: name, Confidence: confidence, Box: Box{Left: left, Top: top, Width: 0.1, Height: 0.1}}
}

func names(labels []Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Name)
	}
	return out
}

func TestRemoveOverlapping(t *testing.T) {
	tests := []struct {
		name     string
		input    []Label
		expected []string
	}{
		{
			name:     "separate boxes are all kept",
			input:    []Label{label("Amazon-S3", 80, 0.1, 0.1), label("AWS-Lambda", 70, 0.5, 0.5)},
			expected: []string{"Amazon-S3", "AWS-Lambda"},
		},
		{
			name:     "more confident newcomer replaces kept label",
			input:    []Label{label("Amazon-S3", 60, 0.1, 0.1), label("Amazon-EFS", 90, 0.12, 0.13)},
			expected: []string{"Amazon-EFS"},
		},
		{
			name:     "less confident newcomer is dropped",
			input:    []Label{label("Amazon-S3", 90, 0.1, 0.1), label("Amazon-EFS", 60, 0.12, 0.13)},
			expected: []string{"Amazon-S3"},
		},
		{
			name:     "equal confidence keeps the newcomer",
			input:    []Label{label("Amazon-S3", 75, 0.1, 0.1), label("Amazon-EFS", 75, 0.1, 0.1)},
			expected: []string{"Amazon-EFS"},
		},
		{
			name: "only overlapping labels compete",
			input: []Label{
				label("Amazon-S3", 90, 0.1, 0.1),
				label("AWS-Lambda", 50, 0.6, 0.6),
				label("Amazon-EFS", 40, 0.15, 0.1),
			},
			expected: []string{"Amazon-S3", "AWS-Lambda"},
		},
		{
			name: "zero sized boxes never overlap",
			input: []Label{
				{Name: "Amazon-S3", Confidence: 90},
				{Name: "AWS-Lambda", Confidence: 50},
			},
			expected: []string{"Amazon-S3", "AWS-Lambda"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(RemoveOverlapping(tt.input))
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("kept labels mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSortByConfidence(t *testing.T) {
	labels := []Label{
		{Name: "a", Confidence: 20},
		{Name: "b", Confidence: 95},
		{Name: "c", Confidence: 20},
		{Name: "d", Confidence: 60},
	}
	SortByConfidence(labels)

	if diff := cmp.Diff([]string{"b", "d", "a", "c"}, names(labels)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestUniqueServices(t *testing.T) {
	labels := []Label{{Name: "Amazon-S3"}, {Name: "AWS-Lambda"}}
	texts := []Text{
		{DetectedText: "Amazon S3"},
		{DetectedText: "AWS"},
		{DetectedText: "Amazon"},
		{DetectedText: "Users"},
		{DetectedText: "AWS Step Functions"},
		{DetectedText: "Amazon S3"},
	}

	got := UniqueServices(labels, texts)
	want := []string{"Amazon-S3", "AWS-Lambda", "AWS-Step-Functions"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("services mismatch (-want +got):\n%s", diff)
	}
}

type fakeLinker struct {
	mu    sync.Mutex
	links map[string]string
	err   error
	calls []string
}

func (f *fakeLinker) Lookup(ctx context.Context, service string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, service)
	if f.err != nil {
		return "", f.err
	}
	return f.links[service], nil
}

func TestReferenceLinks(t *testing.T) {
	linker := &fakeLinker{links: map[string]string{
		"Amazon-S3":            "https://docs/s3",
		"Amazon-S3-Glacier":    "https://docs/s3",
		"AWS-Lambda":           "https://docs/lambda",
		"Amazon-DynamoDB":      "https://docs/dynamodb",
		"AWS-Step-Functions":   "https://docs/sfn",
		"Amazon-EventBridge":   "https://docs/events",
		"Amazon-CloudWatch":    "https://docs/cloudwatch",
		"AWS-Lambda-Functions": "https://docs/lambda",
	}}
	services := []string{
		"Amazon-S3", "AWS-Lambda", "Amazon-DynamoDB", "Unknown-Icon", "AWS-Step-Functions",
		"Amazon-EventBridge", "Amazon-S3-Glacier", "AWS-Lambda-Functions",
	}

	got, err := ReferenceLinks(context.Background(), linker, services)
	if err != nil {
		t.Fatalf("ReferenceLinks returned error: %v", err)
	}

	want := []RefLink{
		{Service: "Amazon-S3, Amazon-S3-Glacier", Link: "https://docs/s3"},
		{Service: "AWS-Lambda, AWS-Lambda-Functions", Link: "https://docs/lambda"},
		{Service: "Amazon-DynamoDB", Link: "https://docs/dynamodb"},
		{Service: "AWS-Step-Functions", Link: "https://docs/sfn"},
		{Service: "Amazon-EventBridge", Link: "https://docs/events"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
	if len(linker.calls) != len(services) {
		t.Errorf("looked up %d services, want %d", len(linker.calls), len(services))
	}
}

func TestReferenceLinksError(t *testing.T) {
	linker := &fakeLinker{err: errors.New("throttled")}
	if _, err := ReferenceLinks(context.Background(), linker, []string{"Amazon-S3"}); err == nil {
		t.Fatal("expected an error")
	}
}

type fakeRekognition struct {
	labels  []types.CustomLabel
	texts   []types.TextDetection
	textErr error

	mu       sync.Mutex
	modelARN string
	minConf  float32
}

func (f *fakeRekognition) DetectCustomLabels(ctx context.Context, in *rekognition.DetectCustomLabelsInput, _ ...func(*rekognition.Options)) (*rekognition.DetectCustomLabelsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelARN = aws.ToString(in.ProjectVersionArn)
	f.minConf = aws.ToFloat32(in.MinConfidence)
	return &rekognition.DetectCustomLabelsOutput{CustomLabels: f.labels}, nil
}

func (f *fakeRekognition) DetectText(ctx context.Context, in *rekognition.DetectTextInput, _ ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error) {
	if f.textErr != nil {
		return nil, f.textErr
	}
	return &rekognition.DetectTextOutput{TextDetections: f.texts}, nil
}

func customLabel(name string, confidence, left, top float32) types.CustomLabel {
	return types.CustomLabel{
		Name:       aws.String(name),
		Confidence: aws.Float32(confidence),
		Geometry: &types.Geometry{BoundingBox: &types.BoundingBox{
			Left: aws.Float32(left), Top: aws.Float32(top), Width: aws.Float32(0.1), Height: aws.Float32(0.1),
		}},
	}
}

func TestAnalyze(t *testing.T) {
	client := &fakeRekognition{
		labels: []types.CustomLabel{
			customLabel("AWS-Lambda", 55, 0.6, 0.6),
			customLabel("Amazon-S3", 80, 0.1, 0.1),
			customLabel("Amazon-EFS", 30, 0.12, 0.1),
		},
		texts: []types.TextDetection{
			{DetectedText: aws.String("Amazon SQS"), ParentId: aws.Int32(0)},
			{DetectedText: aws.String("Users")},
		},
	}
	linker := &fakeLinker{links: map[string]string{"Amazon-S3": "https://docs/s3"}}

	result, err := NewDetector(client, "arn:model/v1", linker).Analyze(context.Background(), []byte("png"))
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}

	if client.modelARN != "arn:model/v1" || client.minConf != MinConfidence {
		t.Errorf("model %q min confidence %v", client.modelARN, client.minConf)
	}
	if diff := cmp.Diff([]string{"Amazon-S3", "AWS-Lambda"}, names(result.Labels)); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Amazon-S3", "AWS-Lambda", "Amazon-SQS"}, result.Services); diff != "" {
		t.Errorf("services mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]RefLink{{Service: "Amazon-S3", Link: "https://docs/s3"}}, result.RefLinks); diff != "" {
		t.Errorf("ref links mismatch (-want +got):\n%s", diff)
	}
	if len(result.Text) != 2 || result.Text[0].ParentID == nil || result.Text[1].ParentID != nil {
		t.Errorf("unexpected text %+v", result.Text)
	}
}

func TestAnalyzeTextFailure(t *testing.T) {
	client := &fakeRekognition{textErr: errors.New("image too large")}
	if _, err := NewDetector(client, "arn:model/v1", nil).Analyze(context.Background(), nil); err == nil {
		t.Fatal("expected an error")
	}
}
