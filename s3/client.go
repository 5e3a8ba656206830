package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/timer"
)

type S3Args struct {
	Region string `arg:"--region,env:AWS_REGION,help:AWS region"`
	Bucket string `arg:"--bucket,env:ASYNC_BUCKET,help:Bucket used for references without an s3:// prefix"`
}

// Client is an inference.ObjectStore backed by S3.
type Client struct {
	args     S3Args
	api      s3iface.S3API
	uploader s3manageriface.UploaderAPI
}

var _ inference.ObjectStore = Client{}

func NewClient(args S3Args) Client {
	sess := session.Must(session.NewSession(
		&aws.Config{
			Region:                        aws.String(args.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	))
	api := s3.New(sess)
	return NewClientWithAPI(args, api, s3manager.NewUploaderWithClient(api))
}

func NewClientWithAPI(args S3Args, api s3iface.S3API, uploader s3manageriface.UploaderAPI) Client {
	return Client{
		args:     args,
		api:      api,
		uploader: uploader,
	}
}

func (c Client) Bucket() string {
	return c.args.Bucket
}

func (c Client) Put(ctx context.Context, ref string, data []byte) error {
	defer timer.Start("s3.put").Stop()
	loc, err := inference.ParseLocation(ref, c.args.Bucket)
	if err != nil {
		return err
	}
	input := s3manager.UploadInput{
		Body:   bytes.NewReader(data),
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}
	if _, err = c.uploader.UploadWithContext(ctx, &input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", loc, err)
	}
	return nil
}

func (c Client) Exists(ctx context.Context, ref string) (bool, error) {
	defer timer.Start("s3.exists").Stop()
	loc, err := inference.ParseLocation(ref, c.args.Bucket)
	if err != nil {
		return false, err
	}
	input := s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}
	_, err = c.api.HeadObjectWithContext(ctx, &input)
	if err != nil {
		if isMissingHead(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", loc, err)
	}
	return true, nil
}

func (c Client) Get(ctx context.Context, ref string) ([]byte, error) {
	defer timer.Start("s3.get").Stop()
	loc, err := inference.ParseLocation(ref, c.args.Bucket)
	if err != nil {
		return nil, err
	}
	input := s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}
	out, err := c.api.GetObjectWithContext(ctx, &input)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", loc, inference.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", loc, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", loc, err)
	}
	return data, nil
}

// isNoSuchKey reports whether a GetObject error means the key does not
// exist. A missing bucket is a configuration error and must not be retried.
func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey
}

// isMissingHead is isNoSuchKey for HeadObject, which has no body and so
// usually only carries the 404 status.
func isMissingHead(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchBucket:
		return false
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	var rerr awserr.RequestFailure
	return errors.As(err, &rerr) && rerr.StatusCode() == http.StatusNotFound
}
