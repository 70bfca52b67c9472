package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"cascadeflow/internal/metadata"
	"cascadeflow/logger"
)

type rollupMemFile struct {
	buffer *bytes.Buffer
}

func newRollupMemFile() *rollupMemFile {
	return &rollupMemFile{buffer: &bytes.Buffer{}}
}

func (m *rollupMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *rollupMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *rollupMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *rollupMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *rollupMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *rollupMemFile) Close() error                              { return nil }
func (m *rollupMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// rollupRecord is the parquet schema for exported rollup buckets.
type rollupRecord struct {
	Period        string  `parquet:"name=period, type=BYTE_ARRAY, convertedtype=UTF8"`
	BucketStartMs int64   `parquet:"name=bucket_start_ms, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue         string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventCount    int64   `parquet:"name=event_count, type=INT64"`
	NotionalUSD   float64 `parquet:"name=notional_usd, type=DOUBLE"`
	LongCount     int64   `parquet:"name=long_count, type=INT64"`
	ShortCount    int64   `parquet:"name=short_count, type=INT64"`
	LongUSD       float64 `parquet:"name=long_usd, type=DOUBLE"`
	ShortUSD      float64 `parquet:"name=short_usd, type=DOUBLE"`
	MaxSingleUSD  float64 `parquet:"name=max_single_usd, type=DOUBLE"`
}

// ExportConfig configures the optional S3 rollup export.
type ExportConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	ManifestDir     string
}

// RollupExporter ships rollup buckets to S3 as snappy-compressed parquet.
type RollupExporter struct {
	cfg      ExportConfig
	rollups  *Rollups
	s3Client *s3.Client
	manifest *metadata.Manifest
	log      *logger.Log
}

func NewRollupExporter(cfg ExportConfig, rollups *Rollups) (*RollupExporter, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("rollup export is disabled")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("export bucket not configured")
	}
	cfg.Bucket = bucket

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	var manifest *metadata.Manifest
	if cfg.ManifestDir != "" {
		manifest = metadata.NewManifest(cfg.ManifestDir, cfg.Bucket)
	}

	log := logger.GetLogger()
	log.WithComponent("rollup_exporter").WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
	}).Info("rollup exporter initialized")

	return &RollupExporter{cfg: cfg, rollups: rollups, s3Client: client, manifest: manifest, log: log}, nil
}

// Export writes one parquet object covering the symbol's rollups in
// [fromMs, toMs) and returns the object key.
func (e *RollupExporter) Export(ctx context.Context, period RollupPeriod, symbol string, fromMs, toMs int64) (string, error) {
	buckets, err := e.rollups.Query(ctx, period, symbol, fromMs, toMs)
	if err != nil {
		return "", err
	}
	if len(buckets) == 0 {
		return "", fmt.Errorf("no rollups to export for %s", symbol)
	}

	data, err := e.createParquet(buckets)
	if err != nil {
		return "", fmt.Errorf("create rollup parquet: %w", err)
	}

	key := e.objectKey(period, symbol, buckets[0].BucketStartMs)
	if _, err := e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return "", fmt.Errorf("upload rollup export: %w", err)
	}

	if e.manifest != nil {
		err := e.manifest.Record(metadata.ExportedObject{
			Key:         key,
			Period:      string(period),
			Symbol:      strings.ToUpper(symbol),
			SizeBytes:   int64(len(data)),
			BucketCount: int64(len(buckets)),
			FromMs:      fromMs,
			ToMs:        toMs,
		})
		if err != nil {
			e.log.WithComponent("rollup_exporter").WithError(err).Warn("failed to record export manifest entry")
		}
	}

	e.log.WithComponent("rollup_exporter").WithFields(logger.Fields{
		"s3_key":  key,
		"buckets": len(buckets),
		"bytes":   len(data),
	}).Info("rollup export uploaded")
	return key, nil
}

func (e *RollupExporter) createParquet(buckets []Rollup) ([]byte, error) {
	mf := newRollupMemFile()
	pw, err := writer.NewParquetWriter(mf, new(rollupRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, b := range buckets {
		rec := rollupRecord{
			Period:        string(b.Period),
			BucketStartMs: b.BucketStartMs,
			Symbol:        strings.ToUpper(b.Symbol),
			Venue:         strings.ToLower(b.Venue),
			EventCount:    b.EventCount,
			NotionalUSD:   b.NotionalUSD,
			LongCount:     b.LongCount,
			ShortCount:    b.ShortCount,
			LongUSD:       b.LongUSD,
			ShortUSD:      b.ShortUSD,
			MaxSingleUSD:  b.MaxSingleUSD,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (e *RollupExporter) objectKey(period RollupPeriod, symbol string, startMs int64) string {
	t := time.UnixMilli(startMs).UTC()
	prefix := strings.Trim(e.cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%srollups/%s/%s/%s.parquet",
		prefix, string(period), strings.ToUpper(symbol), t.Format("2006/01/02/15-04-05"))
}
