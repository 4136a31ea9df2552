// Package trigger starts runs from object-created notifications, either
// delivered over AMQP or posted to the HTTP API.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedEvent is returned for a notification that is not valid S3
// event JSON. Such messages are never retried.
var ErrMalformedEvent = errors.New("malformed S3 event")

// S3Event is the subset of an S3 event notification the router reads.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
	// Event is set on the s3:TestEvent sent when a notification is
	// configured; it has no records.
	Event string `json:"Event,omitempty"`
}

// S3EventRecord is one object notification.
type S3EventRecord struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// Object is a created object named by an event.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// Locator returns the s3:// URL of the object, or the bare key when the
// bucket is unknown.
func (o Object) Locator() string {
	if o.Bucket == "" {
		return o.Key
	}
	return "s3://" + o.Bucket + "/" + o.Key
}

// ParseS3Event decodes an event notification and returns the created
// objects. Keys arrive URL-encoded (a space is '+') and are decoded.
// Records for other event types are skipped; a test event yields no
// objects and no error.
func ParseS3Event(data []byte) ([]Object, error) {
	var ev S3Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	objects := make([]Object, 0, len(ev.Records))
	for i, rec := range ev.Records {
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: key %q: %v", ErrMalformedEvent, i, rec.S3.Object.Key, err)
		}
		if key == "" {
			return nil, fmt.Errorf("%w: record %d: empty key", ErrMalformedEvent, i)
		}
		objects = append(objects, Object{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
			Size:   rec.S3.Object.Size,
		})
	}
	return objects, nil
}

// Runner starts a run in the background. *core.Service implements it.
type Runner interface {
	StartRun(ctx context.Context, locator string) (string, error)
}

// Dispatch starts one run per object and returns the run ids started.
// It stops at the first failure; runs already started keep going.
func Dispatch(ctx context.Context, r Runner, objects []Object) ([]string, error) {
	ids := make([]string, 0, len(objects))
	for _, o := range objects {
		id, err := r.StartRun(ctx, o.Locator())
		if err != nil {
			return ids, fmt.Errorf("start run for %s: %w", o.Locator(), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
