package etl

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"

	"stockflow/internal/db"
	"stockflow/internal/ebay"
)

// DailyMetricsRow matches the Athena table columns
type DailyMetricsRow struct {
	UserID        string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	MetricDate    string `parquet:"name=metric_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	OrdersSynced  int64  `parquet:"name=orders_synced, type=INT64"`
	UnitsSold     int64  `parquet:"name=units_sold, type=INT64"`
	PartialOrders int64  `parquet:"name=partial_orders, type=INT64"`
}

// S3API is the subset of the S3 client the ETL needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type DailyMetricsETL struct {
	ddb db.API
	s3  S3API
}

func NewDailyMetricsETL(cfg aws.Config) *DailyMetricsETL {
	return &DailyMetricsETL{
		ddb: dynamodb.NewFromConfig(cfg),
		s3:  s3.NewFromConfig(cfg),
	}
}

// Handle is triggered by EventBridge schedule.
//
// Behavior:
// - Discover users with connections from CONNECTIONS_TABLE
// - For each user and each day in the backfill window, aggregate synced
//   orders from ORDERS_TABLE
// - Write one Parquet row per (user, dt) under:
//     daily_metrics/dt=YYYY-MM-DD/user_id=<sub>/part-<rand>.parquet
//
// Env:
// - CONNECTIONS_TABLE (required)
// - ORDERS_TABLE (required)
// - ANALYTICS_BUCKET (required)
// - DAILY_METRICS_PREFIX (default "daily_metrics/")
// - ETL_TIMEZONE (default "UTC")
// - ETL_DAYS_BACK (default "1")  // number of days including today
func (h *DailyMetricsETL) Handle(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	connTable := strings.TrimSpace(db.ConnectionsTableName())
	ordersTable := strings.TrimSpace(db.OrdersTableName())

	bucket := strings.TrimSpace(os.Getenv("ANALYTICS_BUCKET"))
	prefix := strings.TrimSpace(os.Getenv("DAILY_METRICS_PREFIX"))
	if prefix == "" {
		prefix = "daily_metrics/"
	}

	tzName := strings.TrimSpace(os.Getenv("ETL_TIMEZONE"))
	if tzName == "" {
		tzName = "UTC"
	}

	daysBack := 1
	if v := strings.TrimSpace(os.Getenv("ETL_DAYS_BACK")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
			daysBack = n
		}
	}

	if connTable == "" {
		return nil, fmt.Errorf("missing env CONNECTIONS_TABLE")
	}
	if ordersTable == "" {
		return nil, fmt.Errorf("missing env ORDERS_TABLE")
	}
	if bucket == "" {
		return nil, fmt.Errorf("missing env ANALYTICS_BUCKET")
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", tzName, err)
	}

	users, err := h.listDistinctUsers(ctx, connTable)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return map[string]any{"ok": true, "written": 0, "reason": "no users found"}, nil
	}

	now := time.Now().In(loc)
	written := 0
	totalOrders := 0

	for i := 0; i < daysBack; i++ {
		day := now.AddDate(0, 0, -i)
		dtStr := day.Format("2006-01-02")

		for _, sub := range users {
			row, err := h.aggregateUserDay(ctx, ordersTable, sub, dtStr)
			if err != nil {
				return nil, fmt.Errorf("aggregate orders for user=%s dt=%s: %w", sub, dtStr, err)
			}

			key := fmt.Sprintf("%sdt=%s/user_id=%s/part-%s.parquet",
				ensureTrailingSlash(prefix),
				dtStr,
				sub,
				randHex(8),
			)

			if err := h.writeOneParquetRowToS3(ctx, bucket, key, row); err != nil {
				return nil, fmt.Errorf("write parquet for user=%s dt=%s: %w", sub, dtStr, err)
			}

			written++
			totalOrders += int(row.OrdersSynced)
		}
	}

	return map[string]any{
		"ok":          true,
		"users":       len(users),
		"days_back":   daysBack,
		"written":     written,
		"order_count": totalOrders,
		"bucket":      bucket,
		"prefix":      prefix,
	}, nil
}

// listDistinctUsers scans the connections table and extracts the user
// sub from each PK ("USER#<sub>").
func (h *DailyMetricsETL) listDistinctUsers(ctx context.Context, table string) ([]string, error) {
	seen := map[string]bool{}
	users := make([]string, 0, 64)

	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := h.ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(table),
			ExclusiveStartKey:    startKey,
			ProjectionExpression: aws.String("PK"),
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan %s: %w", table, err)
		}

		for _, it := range out.Items {
			sv, ok := it["PK"].(*ddbtypes.AttributeValueMemberS)
			if !ok {
				continue
			}
			sub := strings.TrimPrefix(sv.Value, "USER#")
			if sub == "" || sub == sv.Value {
				continue
			}
			if !seen[sub] {
				seen[sub] = true
				users = append(users, sub)
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return users, nil
}

// aggregateUserDay counts synced orders created on one day for one user.
// CreationDate is RFC3339, so begins_with("YYYY-MM-DD") works.
func (h *DailyMetricsETL) aggregateUserDay(ctx context.Context, ordersTable, sub, dayYYYYMMDD string) (DailyMetricsRow, error) {
	row := DailyMetricsRow{UserID: sub, MetricDate: dayYYYYMMDD}

	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := h.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(ordersTable),
			ExclusiveStartKey:      startKey,
			KeyConditionExpression: aws.String("PK = :pk"),
			FilterExpression:       aws.String("begins_with(CreationDate, :day)"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pk":  &ddbtypes.AttributeValueMemberS{Value: "USER#" + sub},
				":day": &ddbtypes.AttributeValueMemberS{Value: dayYYYYMMDD},
			},
		})
		if err != nil {
			return row, fmt.Errorf("query orders table: %w", err)
		}

		for _, it := range out.Items {
			row.OrdersSynced++
			row.UnitsSold += unitsInLineItems(it["LineItems"])
			if bv, ok := it["PartialItems"].(*ddbtypes.AttributeValueMemberBOOL); ok && bv.Value {
				row.PartialOrders++
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return row, nil
}

func unitsInLineItems(av ddbtypes.AttributeValue) int64 {
	sv, ok := av.(*ddbtypes.AttributeValueMemberS)
	if !ok || sv.Value == "" {
		return 0
	}
	var items []ebay.LineItem
	if err := json.Unmarshal([]byte(sv.Value), &items); err != nil {
		return 0
	}
	var units int64
	for _, li := range items {
		units += int64(li.Quantity)
	}
	return units
}

func (h *DailyMetricsETL) writeOneParquetRowToS3(ctx context.Context, bucket, key string, row DailyMetricsRow) error {
	tmpDir := os.TempDir()
	localPath := filepath.Join(tmpDir, "daily_metrics_"+randHex(8)+".parquet")

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(DailyMetricsRow), 1)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0 // no snappy

	if err := pw.Write(row); err != nil {
		_ = pw.WriteStop()
		_ = fw.Close()
		return fmt.Errorf("parquet write row: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read parquet tmp: %w", err)
	}
	defer func() { _ = os.Remove(localPath) }()

	_, err = h.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("s3 putobject failed: %w", err)
	}
	return nil
}

func ensureTrailingSlash(s string) string {
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
