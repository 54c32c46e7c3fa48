package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/multierr"
	"google.golang.org/api/googleapi"

	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/gcp"
	"github.com/stefna/stefna-backend/pkg/logger"
)

const metadataTimeout = 10 * time.Second

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errDatasetRequired   = errors.New("bigquery dataset is required")
	errNoTables          = errors.New("no bigquery tables configured")
	errNotInitialized    = errors.New("bigquery client not initialized")
)

// Client streams rows into the analytics dataset. Writes are limited to the
// tables named in config so a mistyped table fails fast instead of erroring
// per row.
type Client struct {
	bq      *bigquery.Client
	dataset *bigquery.Dataset
	tables  map[string]*bigquery.Table
}

func NewClient(ctx context.Context, gcpCfg config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcpCfg.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	names := configuredTables(cfg)
	if len(names) == 0 {
		return nil, errNoTables
	}

	bq, err := bigquery.NewClient(ctx, projectID, gcp.ClientOptions(gcpCfg)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	dataset := bq.Dataset(datasetID)
	c := &Client{bq: bq, dataset: dataset, tables: make(map[string]*bigquery.Table, len(names))}
	for _, name := range names {
		c.tables[name] = dataset.Table(name)
	}

	if err := c.Ping(ctx); err != nil {
		return nil, multierr.Append(err, bq.Close())
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"dataset": datasetID, "tables": names}), "bigquery client initialized")
	}
	return c, nil
}

// configuredTables returns the distinct non-empty table names in cfg, sorted.
func configuredTables(cfg config.BigQueryConfig) []string {
	seen := map[string]struct{}{}
	for _, raw := range []string{cfg.GenerationEventsTable} {
		if name := strings.TrimSpace(raw); name != "" {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ping checks the dataset and every configured table, reporting all missing
// ones together.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		return describeMetadataErr("dataset", c.dataset.DatasetID, err)
	}
	var errs error
	for name, table := range c.tables {
		if _, err := table.Metadata(ctx); err != nil {
			errs = multierr.Append(errs, describeMetadataErr("table", name, err))
		}
	}
	return errs
}

// InsertRows streams rows into table. The PutMultiError from BigQuery is
// wrapped, so callers can still inspect per-row failures with errors.As.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.bq == nil {
		return errNotInitialized
	}
	target, ok := c.tables[strings.TrimSpace(table)]
	if !ok {
		return fmt.Errorf("bigquery table %q is not configured", table)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := target.Inserter().Put(ctx, rows); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(rows), target.TableID, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.bq == nil {
		return nil
	}
	return c.bq.Close()
}

func describeMetadataErr(kind, name string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s %q does not exist", kind, name)
	}
	return fmt.Errorf("checking %s %q: %w", kind, name, err)
}
