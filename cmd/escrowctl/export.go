package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const exportPageSize = 500

type exportedEvent struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Sequence     uint64 `json:"sequence"`
	Depositor    string `json:"depositor"`
	Collector    string `json:"collector"`
	Amount       string `json:"amount"`
	Timestamp    uint64 `json:"timestamp"`
	LockDeadline uint64 `json:"lockDeadline"`
}

type eventPage struct {
	Events     []exportedEvent `json:"events"`
	NextCursor string          `json:"nextCursor"`
}

type parquetEvent struct {
	ID           string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type         string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	Depositor    string `parquet:"name=depositor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collector    string `parquet:"name=collector, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64  `parquet:"name=timestamp, type=INT64"`
	LockDeadline int64  `parquet:"name=lock_deadline, type=INT64"`
}

func runExport(ctx context.Context, env *cliEnv, args []string) int {
	fs := newFlagSet("export", env.stderr)
	filter := bindEventFlags(fs)
	outDir := fs.String("out", ".", "directory receiving the export files")
	format := fs.String("format", "parquet", "parquet, csv or both")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	wantParquet, wantCSV := false, false
	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "parquet":
		wantParquet = true
	case "csv":
		wantCSV = true
	case "both":
		wantParquet, wantCSV = true, true
	default:
		return printError(env.stderr, "-format must be parquet, csv or both")
	}
	query, err := filter.values()
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	c, err := env.client(false)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	rows, err := fetchAllEvents(ctx, c, query)
	if err != nil {
		return printError(env.stderr, err.Error())
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return printError(env.stderr, err.Error())
	}
	base := filepath.Join(*outDir, "escrow-events-"+time.Now().UTC().Format("20060102T150405Z"))
	if wantParquet {
		path := base + ".parquet"
		if err := writeParquet(path, rows); err != nil {
			return printError(env.stderr, err.Error())
		}
		fmt.Fprintf(env.stdout, "wrote %s (%d rows)\n", path, len(rows))
	}
	if wantCSV {
		path := base + ".csv"
		if err := writeCSV(path, rows); err != nil {
			return printError(env.stderr, err.Error())
		}
		fmt.Fprintf(env.stdout, "wrote %s (%d rows)\n", path, len(rows))
	}
	return 0
}

func fetchAllEvents(ctx context.Context, c *client, query url.Values) ([]exportedEvent, error) {
	var out []exportedEvent
	for {
		page := url.Values{}
		for k, v := range query {
			page[k] = v
		}
		page.Set("limit", strconv.Itoa(exportPageSize))
		var resp eventPage
		if err := c.get(ctx, "/v1/events/", page, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Events...)
		if resp.NextCursor == "" || len(resp.Events) == 0 {
			return out, nil
		}
		query.Set("cursor", resp.NextCursor)
	}
}

func writeParquet(path string, rows []exportedEvent) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEvent), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		rec := &parquetEvent{
			ID:           row.ID,
			Type:         row.Type,
			Sequence:     int64(row.Sequence),
			Depositor:    row.Depositor,
			Collector:    row.Collector,
			Amount:       row.Amount,
			Timestamp:    int64(row.Timestamp),
			LockDeadline: int64(row.LockDeadline),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: finalize parquet: %w", err)
	}
	return file.Close()
}

func writeCSV(path string, rows []exportedEvent) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"id", "type", "sequence", "depositor", "collector", "amount", "timestamp", "lock_deadline"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Type,
			strconv.FormatUint(row.Sequence, 10),
			row.Depositor,
			row.Collector,
			row.Amount,
			strconv.FormatUint(row.Timestamp, 10),
			strconv.FormatUint(row.LockDeadline, 10),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
