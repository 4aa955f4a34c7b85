// Package export uploads distribution reports to object storage.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/malbeclabs/payout/pkg/metrics"
	"github.com/malbeclabs/payout/pkg/store"
)

// ObjectPutter is the slice of the S3 client the reporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectPutter = (*s3.Client)(nil)

type ReporterConfig struct {
	Logger *slog.Logger
	Client ObjectPutter
	Bucket string
}

func (cfg *ReporterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// Reporter writes one CSV per distribution to the report bucket. Uploads
// are best effort; callers log a returned error and move on.
type Reporter struct {
	log *slog.Logger
	cfg ReporterConfig
}

func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reporter{log: cfg.Logger, cfg: cfg}, nil
}

// Upload renders the recipients of a distribution as CSV and stores the
// file under distributions/<id>-<uuid>.csv. Returns the object key.
func (r *Reporter) Upload(ctx context.Context, distributionID int64, recipients []store.DistributionRecipient) (string, error) {
	body, err := renderCSV(recipients)
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}

	key := fmt.Sprintf("distributions/%d-%s.csv", distributionID, uuid.NewString())
	_, err = r.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		metrics.ReportExportsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to upload report: %w", err)
	}

	metrics.ReportExportsTotal.WithLabelValues("ok").Inc()
	r.log.Info("export: report uploaded", "bucket", r.cfg.Bucket, "key", key, "recipients", len(recipients))
	return key, nil
}

func renderCSV(recipients []store.DistributionRecipient) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"account", "weight", "amount", "received", "reference"}); err != nil {
		return nil, err
	}
	for _, rec := range recipients {
		var ref string
		if rec.TransferReference != nil {
			ref = *rec.TransferReference
		}
		row := []string{
			rec.Account,
			strconv.FormatFloat(rec.Weight, 'f', -1, 64),
			strconv.FormatUint(rec.Amount, 10),
			strconv.FormatUint(rec.AmountReceived, 10),
			ref,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
