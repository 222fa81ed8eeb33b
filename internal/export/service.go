// Package export writes version history to CSV or XLSX files for audit
// review outside the application.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/store"
)

// Format selects the output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var headers = []string{
	"id", "ordinal", "item_type", "item_id", "item_subtype",
	"event", "whodunnit", "transaction_id", "created_at",
	"object", "object_changes", "meta",
}

// Request describes one export run. ItemID narrows the export to a single
// record; when empty every record of ItemType is included.
type Request struct {
	ItemType string
	ItemID   string
	Format   Format
}

// Result reports where the export landed and how big it was.
type Result struct {
	Path         string
	RowsExported int
	BytesWritten int64
}

// Service streams version history into export files.
type Service struct {
	versions store.MaintenanceStore

	exportDir string
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

func NewService(versions store.MaintenanceStore, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	service := &Service{
		versions:  versions,
		exportDir: filepath.Join(os.TempDir(), "chronicle-exports"),
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Export collects the requested history, ordered per item, and writes it to
// a file in the export directory.
func (s *Service) Export(ctx context.Context, req Request) (Result, error) {
	itemType := strings.TrimSpace(req.ItemType)
	if itemType == "" {
		return Result{}, errors.New("item type is required")
	}
	format := req.Format
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatXLSX {
		return Result{}, fmt.Errorf("unsupported export format: %s", format)
	}

	versions, err := s.collect(ctx, itemType, strings.TrimSpace(req.ItemID))
	if err != nil {
		return Result{}, err
	}

	if err := s.ensureExportDirectory(); err != nil {
		return Result{}, err
	}
	finalPath := filepath.Join(s.exportDir, s.fileName(itemType, req.ItemID, format))

	var result Result
	switch format {
	case FormatXLSX:
		result, err = writeXLSX(finalPath, versions)
	default:
		result, err = writeCSV(finalPath, versions)
	}
	if err != nil {
		return Result{}, err
	}

	s.log.Info("export completed",
		zap.String("item_type", itemType),
		zap.String("path", result.Path),
		zap.Int("rows", result.RowsExported),
	)
	return result, nil
}

func (s *Service) collect(ctx context.Context, itemType, itemID string) ([]*domain.Version, error) {
	if itemID != "" {
		versions, err := s.versions.ForItem(ctx, itemType, itemID)
		if err != nil {
			return nil, fmt.Errorf("failed to load item history: %w", err)
		}
		return versions, nil
	}

	groups, err := s.versions.ItemGroups(ctx, store.CleanFilter{ItemType: itemType})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate items: %w", err)
	}
	var all []*domain.Version
	for _, ref := range groups {
		history, err := s.versions.ForItem(ctx, ref.Type, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load item history: %w", err)
		}
		all = append(all, history...)
	}
	return all, nil
}

func (s *Service) ensureExportDirectory() error {
	if strings.TrimSpace(s.exportDir) == "" {
		return errors.New("export directory is not configured")
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("failed to ensure export directory: %w", err)
	}
	return nil
}

func (s *Service) fileName(itemType, itemID string, format Format) string {
	base := sanitizeFileComponent(itemType)
	if itemID != "" {
		base = base + "-" + sanitizeFileComponent(itemID)
	}
	stamp := s.now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%s.%s", base, stamp, format)
}

func writeCSV(path string, versions []*domain.Version) (Result, error) {
	file, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	buffered := bufio.NewWriterSize(file, 1<<20)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(headers); err != nil {
		return Result{}, fmt.Errorf("failed to write header: %w", err)
	}
	rows := 0
	for _, v := range versions {
		if err := csvWriter.Write(versionRow(v)); err != nil {
			return Result{}, fmt.Errorf("failed to write version row: %w", err)
		}
		rows++
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return Result{}, fmt.Errorf("failed to flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return Result{}, fmt.Errorf("failed to flush buffered rows: %w", err)
	}
	if err := file.Sync(); err != nil {
		return Result{}, fmt.Errorf("failed to sync export file: %w", err)
	}
	return Result{Path: path, RowsExported: rows, BytesWritten: counter.count}, nil
}

func writeXLSX(path string, versions []*domain.Version) (Result, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	stream, err := f.NewStreamWriter(sheet)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stream writer: %w", err)
	}

	headerCells := make([]any, len(headers))
	for i, h := range headers {
		headerCells[i] = h
	}
	if err := stream.SetRow("A1", headerCells); err != nil {
		return Result{}, fmt.Errorf("failed to write header: %w", err)
	}

	rows := 0
	for i, v := range versions {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return Result{}, fmt.Errorf("failed to compute cell name: %w", err)
		}
		values := versionRow(v)
		cells := make([]any, len(values))
		for j, value := range values {
			cells[j] = value
		}
		if err := stream.SetRow(cell, cells); err != nil {
			return Result{}, fmt.Errorf("failed to write version row: %w", err)
		}
		rows++
	}
	if err := stream.Flush(); err != nil {
		return Result{}, fmt.Errorf("failed to flush stream writer: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return Result{}, fmt.Errorf("failed to save xlsx: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat export file: %w", err)
	}
	return Result{Path: path, RowsExported: rows, BytesWritten: info.Size()}, nil
}

func versionRow(v *domain.Version) []string {
	meta := ""
	if len(v.Meta) > 0 {
		if encoded, err := json.Marshal(v.Meta); err == nil {
			meta = string(encoded)
		}
	}
	return []string{
		v.ID.String(),
		fmt.Sprintf("%d", v.Ordinal),
		v.ItemType,
		v.ItemID,
		v.ItemSubtype,
		v.Event,
		v.Whodunnit,
		v.TransactionID.String(),
		v.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(v.Object),
		string(v.ObjectChanges),
		meta,
	}
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "export"
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
