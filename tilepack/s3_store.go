package tilepack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/paulmach/orb/maptile"
)

// s3Store keeps each tile as an object at <prefix>/<z>/<x>/<y>.jpg.
type s3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
}

func NewS3Store(client s3iface.S3API, bucket string, prefix string) *s3Store {
	return &s3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (o *s3Store) key(tile maptile.Tile) string {
	return path.Join(o.prefix, fmt.Sprintf("%d/%d/%d.jpg", tile.Z, tile.X, tile.Y))
}

func (o *s3Store) CreateTiles() error {
	return nil
}

func (o *s3Store) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (o *s3Store) Has(tile maptile.Tile) (bool, error) {
	_, err := o.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(tile)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *s3Store) Load(tile maptile.Tile) ([]byte, error) {
	result, err := o.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(tile)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, tile.Z, tile.X, tile.Y)
		}
		return nil, err
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}

func (o *s3Store) Save(tile maptile.Tile, data []byte) error {
	_, err := o.client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(o.key(tile)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
	})
	return err
}
