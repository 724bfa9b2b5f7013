package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/groundtruth"
)

// ErrProjectNotFound is returned when a project name has no description.
var ErrProjectNotFound = errors.New("project not found")

// API is the subset of the Rekognition client the control plane uses.
type API interface {
	CreateProject(ctx context.Context, params *rekognition.CreateProjectInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateProjectOutput, error)
	DescribeProjects(ctx context.Context, params *rekognition.DescribeProjectsInput, optFns ...func(*rekognition.Options)) (*rekognition.DescribeProjectsOutput, error)
	CreateDataset(ctx context.Context, params *rekognition.CreateDatasetInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateDatasetOutput, error)
	DeleteDataset(ctx context.Context, params *rekognition.DeleteDatasetInput, optFns ...func(*rekognition.Options)) (*rekognition.DeleteDatasetOutput, error)
	UpdateDatasetEntries(ctx context.Context, params *rekognition.UpdateDatasetEntriesInput, optFns ...func(*rekognition.Options)) (*rekognition.UpdateDatasetEntriesOutput, error)
	DescribeDataset(ctx context.Context, params *rekognition.DescribeDatasetInput, optFns ...func(*rekognition.Options)) (*rekognition.DescribeDatasetOutput, error)
}

// NewClient builds a Rekognition client for region.
func NewClient(ctx context.Context, region string) (*rekognition.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return rekognition.NewFromConfig(awsCfg), nil
}

// Project identifies a custom labels project and its current datasets.
type Project struct {
	Name     string
	ARN      string
	Datasets map[groundtruth.Split]string
}

// DatasetStatus summarizes DescribeDataset.
type DatasetStatus struct {
	ARN            string
	Status         string
	Message        string
	TotalEntries   int32
	LabeledEntries int32
	ErrorEntries   int32
	TotalLabels    int32
}

// DeleteOutcome reports what happened to the previous dataset of a split.
type DeleteOutcome int

const (
	// Absent means the project had no dataset for the split.
	Absent DeleteOutcome = iota
	Deleted
)

func (o DeleteOutcome) String() string {
	if o == Deleted {
		return "deleted"
	}
	return "absent"
}

// ControlPlane drives projects and datasets.
type ControlPlane struct {
	client        API
	pollInterval  time.Duration
	deleteTimeout time.Duration
}

// NewControlPlane wraps client.
func NewControlPlane(client API) *ControlPlane {
	return &ControlPlane{
		client:        client,
		pollInterval:  5 * time.Second,
		deleteTimeout: 10 * time.Minute,
	}
}

// CreateProject creates a project and returns its ARN.
func (c *ControlPlane) CreateProject(ctx context.Context, name string) (string, error) {
	out, err := c.client.CreateProject(ctx, &rekognition.CreateProjectInput{
		ProjectName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create project %s: %w", name, err)
	}

	arn := aws.ToString(out.ProjectArn)
	log.Printf("Created project %s (%s)", name, arn)
	return arn, nil
}

// ProjectByName describes a project and its datasets.
func (c *ControlPlane) ProjectByName(ctx context.Context, name string) (Project, error) {
	out, err := c.client.DescribeProjects(ctx, &rekognition.DescribeProjectsInput{
		ProjectNames: []string{name},
	})
	if err != nil {
		return Project{}, fmt.Errorf("failed to describe project %s: %w", name, err)
	}
	if len(out.ProjectDescriptions) == 0 {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}

	desc := out.ProjectDescriptions[0]
	project := Project{
		Name:     name,
		ARN:      aws.ToString(desc.ProjectArn),
		Datasets: make(map[groundtruth.Split]string, len(desc.Datasets)),
	}
	for _, ds := range desc.Datasets {
		project.Datasets[groundtruth.Split(ds.DatasetType)] = aws.ToString(ds.DatasetArn)
	}
	return project, nil
}

// DeleteDatasetIfExists removes the project's dataset for split. A dataset that
// is already gone counts as absent.
func (c *ControlPlane) DeleteDatasetIfExists(ctx context.Context, project Project, split groundtruth.Split) (DeleteOutcome, error) {
	arn, ok := project.Datasets[split]
	if !ok {
		return Absent, nil
	}

	_, err := c.client.DeleteDataset(ctx, &rekognition.DeleteDatasetInput{
		DatasetArn: aws.String(arn),
	})
	if err != nil {
		var missing *types.ResourceNotFoundException
		if errors.As(err, &missing) {
			return Absent, nil
		}
		return Absent, fmt.Errorf("failed to delete %s dataset %s: %w", split, arn, err)
	}

	log.Printf("Deleted previous %s dataset %s", split, arn)
	return Deleted, nil
}

// waitDatasetDeleted polls until arn no longer describes. Deletion is
// asynchronous and a dataset of the same type cannot be created before it ends.
func (c *ControlPlane) waitDatasetDeleted(ctx context.Context, arn string) error {
	ctx, cancel := context.WithTimeout(ctx, c.deleteTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.client.DescribeDataset(ctx, &rekognition.DescribeDatasetInput{
			DatasetArn: aws.String(arn),
		})
		if err != nil {
			var missing *types.ResourceNotFoundException
			if errors.As(err, &missing) {
				return nil
			}
			return fmt.Errorf("failed to describe deleted dataset %s: %w", arn, err)
		}
		if out.DatasetDescription != nil {
			log.Printf("Waiting for dataset %s to be deleted (%s)", arn, out.DatasetDescription.Status)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("dataset %s still present after delete: %w", arn, ctx.Err())
		case <-ticker.C:
		}
	}
}

// CreateDataset creates an empty dataset of split in the project.
func (c *ControlPlane) CreateDataset(ctx context.Context, projectARN string, split groundtruth.Split) (string, error) {
	out, err := c.client.CreateDataset(ctx, &rekognition.CreateDatasetInput{
		ProjectArn:  aws.String(projectARN),
		DatasetType: types.DatasetType(split),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s dataset: %w", split, err)
	}
	return aws.ToString(out.DatasetArn), nil
}

// UpdateDatasetEntries adds manifest lines to a dataset.
func (c *ControlPlane) UpdateDatasetEntries(ctx context.Context, datasetARN string, manifest []byte) error {
	_, err := c.client.UpdateDatasetEntries(ctx, &rekognition.UpdateDatasetEntriesInput{
		DatasetArn: aws.String(datasetARN),
		Changes:    &types.DatasetChanges{GroundTruth: manifest},
	})
	if err != nil {
		return fmt.Errorf("failed to update entries of %s: %w", datasetARN, err)
	}
	return nil
}

// DescribeDataset returns the dataset status and entry counts.
func (c *ControlPlane) DescribeDataset(ctx context.Context, datasetARN string) (DatasetStatus, error) {
	out, err := c.client.DescribeDataset(ctx, &rekognition.DescribeDatasetInput{
		DatasetArn: aws.String(datasetARN),
	})
	if err != nil {
		return DatasetStatus{}, fmt.Errorf("failed to describe dataset %s: %w", datasetARN, err)
	}

	status := DatasetStatus{ARN: datasetARN}
	if desc := out.DatasetDescription; desc != nil {
		status.Status = string(desc.Status)
		status.Message = aws.ToString(desc.StatusMessage)
		if stats := desc.DatasetStats; stats != nil {
			status.TotalEntries = aws.ToInt32(stats.TotalEntries)
			status.LabeledEntries = aws.ToInt32(stats.LabeledEntries)
			status.ErrorEntries = aws.ToInt32(stats.ErrorEntries)
			status.TotalLabels = aws.ToInt32(stats.TotalLabels)
		}
	}
	return status, nil
}

// ReplaceDataset swaps the project's dataset for split with a new one holding
// manifest. The project is re-read so the previous dataset ARN is current.
func (c *ControlPlane) ReplaceDataset(ctx context.Context, projectName string, split groundtruth.Split, manifest []byte) (DatasetStatus, error) {
	project, err := c.ProjectByName(ctx, projectName)
	if err != nil {
		return DatasetStatus{}, err
	}

	outcome, err := c.DeleteDatasetIfExists(ctx, project, split)
	if err != nil {
		return DatasetStatus{}, err
	}
	log.Printf("Previous %s dataset: %s", split, outcome)
	if outcome == Deleted {
		if err := c.waitDatasetDeleted(ctx, project.Datasets[split]); err != nil {
			return DatasetStatus{}, err
		}
	}

	arn, err := c.CreateDataset(ctx, project.ARN, split)
	if err != nil {
		return DatasetStatus{}, err
	}

	if err := c.UpdateDatasetEntries(ctx, arn, manifest); err != nil {
		return DatasetStatus{ARN: arn}, err
	}

	status, err := c.DescribeDataset(ctx, arn)
	if err != nil {
		return DatasetStatus{ARN: arn}, err
	}

	log.Printf("Dataset %s status %s (%d entries, %d labeled, %d errors)",
		arn, status.Status, status.TotalEntries, status.LabeledEntries, status.ErrorEntries)
	return status, nil
}
