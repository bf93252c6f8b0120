// Package archive writes finalized executions to cold storage through
// gocloud.dev/blob, supporting S3, GCS, Azure Blob Storage, and
// S3-compatible stores.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/loomworks/loom/pkg/api"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

type (
	// BlobArchiver writes one JSON document per finalized execution
	BlobArchiver struct {
		bucket *blob.Bucket
		prefix string
	}

	// Record is the archived document shape
	Record struct {
		Execution  *api.FlowExecution  `json:"execution"`
		Logs       []*api.ExecutionLog `json:"logs,omitempty"`
		ArchivedAt time.Time           `json:"archivedAt"`
	}
)

// ErrArchiveNotFound is returned by Read for executions never archived
var ErrArchiveNotFound = fmt.Errorf("archive record not found")

// NewBlobArchiver opens the bucket at bucketURL. The prefix is prepended
// verbatim to every object key.
func NewBlobArchiver(
	ctx context.Context, bucketURL, prefix string,
) (*BlobArchiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BlobArchiver{bucket: bucket, prefix: prefix}, nil
}

// Archive writes the execution and its audit rows as one document. The
// write replaces any previous archive of the same execution.
func (a *BlobArchiver) Archive(
	ctx context.Context, exec *api.FlowExecution, logs []*api.ExecutionLog,
) error {
	data, err := json.Marshal(&Record{
		Execution:  exec,
		Logs:       logs,
		ArchivedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return a.bucket.WriteAll(ctx, a.keyFor(exec.OrgID, exec.ID), data, nil)
}

// Read returns the archived document for one execution
func (a *BlobArchiver) Read(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) (*Record, error) {
	data, err := a.bucket.ReadAll(ctx, a.keyFor(org, id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrArchiveNotFound, org, id)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes an archived execution. Missing records are not an error.
func (a *BlobArchiver) Delete(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) error {
	err := a.bucket.Delete(ctx, a.keyFor(org, id))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (a *BlobArchiver) Close() error {
	return a.bucket.Close()
}

func (a *BlobArchiver) keyFor(org api.OrgID, id api.ExecutionID) string {
	return fmt.Sprintf("%s%s/%s.json", a.prefix, org, id)
}
