package indexing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kendra"
	"github.com/aws/aws-sdk-go-v2/service/kendra/types"
	"golang.org/x/text/unicode/norm"
)

// MaxBatchSize is the BatchPutDocument document limit.
const MaxBatchSize = 10

// ErrInvalidDiagram is returned for diagrams that cannot become documents.
var ErrInvalidDiagram = errors.New("invalid diagram")

// API is the subset of the Kendra client the Index uses.
type API interface {
	BatchPutDocument(ctx context.Context, params *kendra.BatchPutDocumentInput, optFns ...func(*kendra.Options)) (*kendra.BatchPutDocumentOutput, error)
	Query(ctx context.Context, params *kendra.QueryInput, optFns ...func(*kendra.Options)) (*kendra.QueryOutput, error)
}

// NewClient builds a Kendra client for region.
func NewClient(ctx context.Context, region string) (*kendra.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kendra.NewFromConfig(awsCfg), nil
}

// Diagram is an architecture diagram with the text found around and inside it.
type Diagram struct {
	OriginURL       string
	Title           string
	ArchitectureURL string
	PublishedAt     time.Time
	CrawlerText     string
	Labels          []string
	TextServices    []string
}

// Blob is the searchable body: crawler text, then detected labels, then
// services read from the diagram text.
func (d Diagram) Blob() string {
	blob := fmt.Sprintf("%s %s %s",
		d.CrawlerText,
		strings.Join(d.Labels, ", "),
		strings.Join(d.TextServices, ", "),
	)
	return norm.NFC.String(blob)
}

// BuildDocument frames a diagram as an index document.
func BuildDocument(dataSourceID string, d Diagram) (types.Document, error) {
	if d.OriginURL == "" {
		return types.Document{}, fmt.Errorf("%w: missing origin url", ErrInvalidDiagram)
	}

	published := d.PublishedAt.UTC()
	return types.Document{
		Id:          aws.String(d.OriginURL),
		Title:       aws.String(norm.NFC.String(d.Title)),
		Blob:        []byte(d.Blob()),
		ContentType: types.ContentTypePlainText,
		Attributes: []types.DocumentAttribute{
			stringAttribute("_data_source_id", dataSourceID),
			stringAttribute("_source_uri", d.ArchitectureURL),
			dateAttribute("_created_at", published),
			dateAttribute("publish_date", published),
		},
	}, nil
}

func stringAttribute(key, value string) types.DocumentAttribute {
	return types.DocumentAttribute{
		Key:   aws.String(key),
		Value: &types.DocumentAttributeValue{StringValue: aws.String(value)},
	}
}

func dateAttribute(key string, value time.Time) types.DocumentAttribute {
	return types.DocumentAttribute{
		Key:   aws.String(key),
		Value: &types.DocumentAttributeValue{DateValue: aws.Time(value)},
	}
}

// FailedDocument is a document the index rejected.
type FailedDocument struct {
	ID      string
	Code    string
	Message string
}

func (f FailedDocument) Error() string {
	return fmt.Sprintf("document %s rejected: %s %s", f.ID, f.Code, f.Message)
}

// Index submits documents to one index under one data source.
type Index struct {
	client       API
	indexID      string
	dataSourceID string
}

// NewIndex returns an Index.
func NewIndex(client API, indexID, dataSourceID string) *Index {
	return &Index{client: client, indexID: indexID, dataSourceID: dataSourceID}
}

// Submit sends diagrams in batches of MaxBatchSize. Per-document rejections,
// including diagrams that fail validation, are returned as FailedDocuments;
// the error is reserved for calls that failed outright.
func (i *Index) Submit(ctx context.Context, diagrams []Diagram) ([]FailedDocument, error) {
	var (
		failed []FailedDocument
		docs   []types.Document
	)

	for _, d := range diagrams {
		doc, err := BuildDocument(i.dataSourceID, d)
		if err != nil {
			failed = append(failed, FailedDocument{ID: d.OriginURL, Code: "InvalidDiagram", Message: err.Error()})
			continue
		}
		docs = append(docs, doc)
	}

	for start := 0; start < len(docs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(docs))

		out, err := i.client.BatchPutDocument(ctx, &kendra.BatchPutDocumentInput{
			IndexId:   aws.String(i.indexID),
			Documents: docs[start:end],
		})
		if err != nil {
			return failed, fmt.Errorf("failed to put documents into index %s: %w", i.indexID, err)
		}

		for _, f := range out.FailedDocuments {
			failed = append(failed, FailedDocument{
				ID:      aws.ToString(f.Id),
				Code:    string(f.ErrorCode),
				Message: aws.ToString(f.ErrorMessage),
			})
		}
		log.Printf("Indexed batch of %d documents (%d rejected)", end-start, len(out.FailedDocuments))
	}

	return failed, nil
}

// Lookup queries the index for a service name and returns the URI of the top
// result, or "" when nothing matches. The "aws" and "amazon" prefixes are
// dropped from the query text.
func (i *Index) Lookup(ctx context.Context, service string) (string, error) {
	query := strings.ToLower(service)
	query = strings.Replace(query, "aws", "", 1)
	query = strings.Replace(query, "amazon", "", 1)

	out, err := i.client.Query(ctx, &kendra.QueryInput{
		IndexId:    aws.String(i.indexID),
		QueryText:  aws.String(query),
		PageNumber: aws.Int32(1),
		PageSize:   aws.Int32(10),
	})
	if err != nil {
		return "", fmt.Errorf("failed to query index %s for %s: %w", i.indexID, service, err)
	}
	if len(out.ResultItems) == 0 {
		return "", nil
	}
	return aws.ToString(out.ResultItems[0].DocumentURI), nil
}
