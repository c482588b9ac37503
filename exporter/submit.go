package exporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"woreda-stats/boundaries"
	"woreda-stats/earthengine"
	"woreda-stats/metrics"
)

const (
	DefaultTileScale = 4
	DefaultMaxPixels = 1e13

	dateLayout     = "2006-01-02"
	maxDescription = 100
	mappingArg     = "_MAPPING_IMAGE"
)

var ErrInvalidRequest = errors.New("invalid export request")

// TableExporter submits table exports to the imagery backend.
type TableExporter interface {
	ExportTable(ctx context.Context, req earthengine.TableExportRequest) (earthengine.Operation, error)
}

// ExportRequest describes one export run over a set of features.
type ExportRequest struct {
	// Collection is the image collection id, e.g. COPERNICUS/S2_SR_HARMONIZED.
	Collection string
	Reducer    string
	// Scale is the nominal pixel size in meters used by the reduction.
	Scale float64
	// Start and End are YYYY-MM-DD; End is exclusive.
	Start     string
	End       string
	Bucket    string
	Folder    string
	Prefix    string
	Bands     []string
	TileScale float64
	MaxPixels float64
	// Attributes names the id and name columns of the output rows.
	Attributes boundaries.Attributes
}

func (r *ExportRequest) applyDefaults() {
	if r.TileScale == 0 {
		r.TileScale = DefaultTileScale
	}
	if r.MaxPixels == 0 {
		r.MaxPixels = DefaultMaxPixels
	}
	if r.Reducer == "" {
		r.Reducer = earthengine.ReducerMean
	}
	if r.Attributes.ID == "" {
		r.Attributes.ID = boundaries.DefaultIDProperty
	}
	if r.Attributes.Name == "" {
		r.Attributes.Name = boundaries.DefaultNameProperty
	}
}

func (r *ExportRequest) Validate() error {
	var errs []error
	if r.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	if r.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if r.Scale <= 0 {
		errs = append(errs, fmt.Errorf("scale must be positive, got %v", r.Scale))
	}
	if _, ok := earthengine.ReducerByName(r.Reducer); r.Reducer != "" && !ok {
		errs = append(errs, fmt.Errorf("unknown reducer %q", r.Reducer))
	}
	if r.MaxPixels < 0 {
		errs = append(errs, fmt.Errorf("max pixels must not be negative, got %v", r.MaxPixels))
	}
	if r.TileScale < 0 {
		errs = append(errs, fmt.Errorf("tile scale must not be negative, got %v", r.TileScale))
	}
	start, err := time.Parse(dateLayout, r.Start)
	if err != nil {
		errs = append(errs, fmt.Errorf("start date: %w", err))
	}
	end, err2 := time.Parse(dateLayout, r.End)
	if err2 != nil {
		errs = append(errs, fmt.Errorf("end date: %w", err2))
	}
	if err == nil && err2 == nil && !start.Before(end) {
		errs = append(errs, fmt.Errorf("start %s is not before end %s", r.Start, r.End))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// Description is the human-readable task name for a feature. When it does
// not fit, the prefix is cut first so that the feature id survives.
func (r *ExportRequest) Description(featureID string) string {
	return r.description(featureID, "")
}

func (r *ExportRequest) description(featureID, suffix string) string {
	tail := sanitizeDescription(featureID + "_export" + suffix)
	if len(tail) >= maxDescription {
		return tail[len(tail)-maxDescription:]
	}
	prefix := sanitizeDescription(r.Prefix)
	if len(prefix)+len(tail) > maxDescription {
		prefix = prefix[:maxDescription-len(tail)]
	}
	return prefix + tail
}

// uniqueDescription numbers the description of a feature whose sanitized
// name collides with one already taken in the batch.
func (r *ExportRequest) uniqueDescription(featureID string, taken map[string]struct{}) string {
	desc := r.Description(featureID)
	for n := 2; ; n++ {
		if _, dup := taken[desc]; !dup {
			break
		}
		desc = r.description(featureID, fmt.Sprintf("_%d", n))
	}
	taken[desc] = struct{}{}
	return desc
}

// Path is the object name prefix the backend writes the CSV under.
func (r *ExportRequest) Path(featureID string) string {
	name := r.Prefix + featureID
	folder := strings.Trim(r.Folder, "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

func sanitizeDescription(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune(".,:;_-", r):
			return r
		}
		return '_'
	}, s)
}

// SubmitFailure records a feature whose job the backend rejected.
type SubmitFailure struct {
	FeatureID   string
	FeatureName string
	Err         error
}

// Batch is the result of one Submit call. Jobs keep the order of the
// features they were built from.
type Batch struct {
	Jobs     []*ExportJob
	Failures []SubmitFailure
}

type plannedJob struct {
	feature boundaries.AdminFeature
	request earthengine.TableExportRequest
}

// Submitter builds and starts one export job per feature.
type Submitter struct {
	Client TableExporter
	// NewRequestID makes submissions idempotent on the backend. Defaults to uuid.NewString.
	NewRequestID func() string
}

// Submit validates the request, builds every job and then starts them.
// Construction problems (invalid request, missing attributes, bad geometry,
// duplicate ids) abort before anything is submitted. A rejected submission
// only affects its own feature and is recorded in Batch.Failures.
func (s *Submitter) Submit(ctx context.Context, req ExportRequest, features []boundaries.AdminFeature) (*Batch, error) {
	req.applyDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	reducer, _ := earthengine.ReducerByName(req.Reducer)

	newID := s.NewRequestID
	if newID == nil {
		newID = uuid.NewString
	}

	plans := make([]plannedJob, 0, len(features))
	seen := make(map[string]struct{}, len(features))
	descriptions := make(map[string]struct{}, len(features))
	for _, feature := range features {
		if feature.ID == "" || feature.Name == "" {
			return nil, fmt.Errorf("%w: feature %q/%q", boundaries.ErrMissingAttribute, feature.ID, feature.Name)
		}
		if _, dup := seen[feature.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate feature id %s", ErrInvalidRequest, feature.ID)
		}
		seen[feature.ID] = struct{}{}

		expr, err := buildExpression(req, reducer, feature)
		if err != nil {
			return nil, fmt.Errorf("woreda %s: %w", feature.ID, err)
		}
		plans = append(plans, plannedJob{
			feature: feature,
			request: earthengine.TableExportRequest{
				Expression:  expr,
				Description: req.uniqueDescription(feature.ID, descriptions),
				FileExportOptions: earthengine.FileExportOptions{
					FileFormat: "CSV",
					CloudStorageDestination: earthengine.CloudStorageDestination{
						Bucket:         req.Bucket,
						FilenamePrefix: req.Path(feature.ID),
					},
				},
				RequestID: newID(),
			},
		})
	}

	batch := &Batch{Jobs: make([]*ExportJob, 0, len(plans))}
	for _, plan := range plans {
		log := logrus.WithFields(logrus.Fields{
			"woreda_id":   plan.feature.ID,
			"woreda_name": plan.feature.Name,
		})
		log.Infof("Processing woreda %s (ID: %s)", plan.feature.Name, plan.feature.ID)

		op, err := s.Client.ExportTable(ctx, plan.request)
		if err != nil {
			log.Errorf("Export task rejected: %v", err)
			metrics.ExportSubmissions.WithLabelValues("rejected").Inc()
			batch.Failures = append(batch.Failures, SubmitFailure{
				FeatureID:   plan.feature.ID,
				FeatureName: plan.feature.Name,
				Err:         err,
			})
			continue
		}
		metrics.ExportSubmissions.WithLabelValues("submitted").Inc()
		batch.Jobs = append(batch.Jobs, &ExportJob{
			ID:          op.Name,
			FeatureID:   plan.feature.ID,
			FeatureName: plan.feature.Name,
			Description: plan.request.Description,
			Bucket:      req.Bucket,
			Path:        plan.request.FileExportOptions.CloudStorageDestination.FilenamePrefix,
			State:       StateSubmitted,
		})
		log.WithField("job_id", op.Name).Info("Export task started")
	}

	logrus.Infof("Started %d export tasks, %d rejected", len(batch.Jobs), len(batch.Failures))
	return batch, nil
}

// buildExpression filters the collection to the date range and the feature,
// reduces every image over the feature and tags each row with the feature
// and acquisition date.
func buildExpression(req ExportRequest, reducer earthengine.ValueNode, feature boundaries.AdminFeature) (earthengine.Expression, error) {
	if _, err := feature.Bounds(); err != nil {
		return earthengine.Expression{}, err
	}
	geometry, err := earthengine.GeometryFromGeoJSON(feature.Geometry)
	if err != nil {
		return earthengine.Expression{}, err
	}

	g := earthengine.NewGraph()
	collection := earthengine.LoadImageCollection(req.Collection)
	collection = earthengine.FilterDate(collection, req.Start, req.End)
	collection = earthengine.FilterBounds(collection, geometry)
	if len(req.Bands) > 0 {
		collection = earthengine.SelectBands(g, collection, req.Bands)
	}

	image := earthengine.ArgRef(mappingArg)
	stats := earthengine.ReduceRegion(image, earthengine.ReduceRegionArgs{
		Reducer:   reducer,
		Geometry:  geometry,
		Scale:     req.Scale,
		TileScale: req.TileScale,
		MaxPixels: req.MaxPixels,
	})
	row := earthengine.SetProperties(earthengine.NewFeature(earthengine.Null(), stats), map[string]earthengine.ValueNode{
		req.Attributes.ID:   earthengine.Constant(feature.ID),
		req.Attributes.Name: earthengine.Constant(feature.Name),
		"year":              earthengine.DatePart(image, "year"),
		"month":             earthengine.DatePart(image, "month"),
		"day":               earthengine.DatePart(image, "day"),
	})
	rows := earthengine.MapCollection(collection, g.Lambda(mappingArg, row))
	return g.Expression(rows), nil
}
