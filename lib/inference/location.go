package inference

import (
	"fmt"
	"path"
	"strings"
)

const s3Scheme = "s3://"

// Location is a bucket/key pair addressing one object.
type Location struct {
	Bucket string
	Key    string
}

// ParseLocation accepts "s3://bucket/key" or a bare key, in which case
// defaultBucket is used.
func ParseLocation(ref, defaultBucket string) (Location, error) {
	if strings.HasPrefix(ref, s3Scheme) {
		rest := strings.TrimPrefix(ref, s3Scheme)
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("invalid object reference %q", ref)
		}
		return Location{Bucket: bucket, Key: key}, nil
	}
	key := strings.TrimPrefix(ref, "/")
	if key == "" {
		return Location{}, fmt.Errorf("empty object reference")
	}
	if defaultBucket == "" {
		return Location{}, fmt.Errorf("object reference %q has no bucket and no default bucket is configured", ref)
	}
	return Location{Bucket: defaultBucket, Key: key}, nil
}

func (l Location) String() string {
	return s3Scheme + l.Bucket + "/" + l.Key
}

// Base is the last element of the key.
func (l Location) Base() string {
	return path.Base(l.Key)
}

// Join returns a location for name under this location's key prefix.
func (l Location) Join(name string) Location {
	return Location{Bucket: l.Bucket, Key: path.Join(l.Key, name)}
}
