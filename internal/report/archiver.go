// Package report archives provisioning results in object storage.
//
// Every run is stored under <city>/<started-at>/ in the configured bucket:
// result.json holds the serialized provision.Result and, when a script
// function is set, schema.sql holds the DDL generated for the run's modules.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/filestore"
	"github.com/koustreak/tenantdb/internal/logger"
	"github.com/koustreak/tenantdb/internal/provision"
)

const (
	ResultObject = "result.json"
	SchemaObject = "schema.sql"

	runLayout = "20060102T150405Z"
)

// ScriptFunc renders the DDL script for a finished run.
type ScriptFunc func(ctx context.Context, res *provision.Result) (string, error)

// Archiver implements provision.Reporter on top of a filestore.Store.
type Archiver struct {
	store  filestore.Store
	bucket string
	script ScriptFunc
	log    *logger.Logger
}

// New creates an Archiver writing to bucket.
func New(store filestore.Store, bucket string, log *logger.Logger) *Archiver {
	if log == nil {
		log = logger.Nop()
	}
	return &Archiver{store: store, bucket: bucket, log: log}
}

// WithScript makes the Archiver also upload a schema.sql per run.
func (a *Archiver) WithScript(fn ScriptFunc) *Archiver {
	a.script = fn
	return a
}

// Report archives res. Failures are logged and otherwise ignored so that a
// storage outage never fails a provisioning run.
func (a *Archiver) Report(ctx context.Context, res *provision.Result) {
	prefix, err := a.Archive(ctx, res)
	if err != nil {
		a.log.City(res.City).ErrorWith("report archive failed", err, map[string]interface{}{
			"bucket": a.bucket,
		})
		return
	}
	a.log.City(res.City).Debugf("report archived at %s/%s", a.bucket, prefix)
}

// Archive uploads res and returns the prefix it was stored under.
func (a *Archiver) Archive(ctx context.Context, res *provision.Result) (string, error) {
	if res == nil || res.City == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "result has no city")
	}
	prefix := RunPrefix(res)

	if err := a.store.EnsureBucket(ctx, a.bucket); err != nil {
		return "", err
	}

	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", errs.Wrap(errs.ErrKindInvalidInput, "encode result", err)
	}
	if err := a.put(ctx, path.Join(prefix, ResultObject), body, "application/json"); err != nil {
		return "", err
	}

	if a.script == nil {
		return prefix, nil
	}
	script, err := a.script(ctx, res)
	if err != nil {
		return prefix, errs.Annotate(err, "render schema script")
	}
	if script == "" {
		return prefix, nil
	}
	if err := a.put(ctx, path.Join(prefix, SchemaObject), []byte(script), "application/sql"); err != nil {
		return prefix, err
	}
	return prefix, nil
}

// List returns the archived objects of a city, oldest run first.
func (a *Archiver) List(ctx context.Context, city string) ([]filestore.ObjectInfo, error) {
	if city == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "city slug is required")
	}
	return a.store.ListObjects(ctx, a.bucket, city+"/")
}

// Fetch copies the archived object at key to w.
func (a *Archiver) Fetch(ctx context.Context, key string, w io.Writer) error {
	obj, err := a.store.GetObject(ctx, a.bucket, strings.TrimPrefix(key, "/"))
	if err != nil {
		return err
	}
	defer obj.Close()

	if _, err := io.Copy(w, obj); err != nil {
		return errs.Wrap(errs.ErrKindConnectionFailed, "read object "+key, err)
	}
	return nil
}

// RunPrefix is the folder a run is archived under.
func RunPrefix(res *provision.Result) string {
	return res.City + "/" + res.StartedAt.UTC().Format(runLayout)
}

func (a *Archiver) put(ctx context.Context, key string, body []byte, contentType string) error {
	return a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), contentType)
}
