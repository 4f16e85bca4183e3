// Package source reads product records exported from a tenant's system.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// Format names a supported export layout.
type Format string

// Supported formats.
const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// ErrUnknownFormat is returned for files whose layout cannot be detected.
var ErrUnknownFormat = errors.New("unknown product file format")

// columnAliases maps accepted CSV headers to record fields. Exports from
// Brazilian ERPs name the codes after NCM and CEST.
var columnAliases = map[string]string{
	"source_id":      "source_id",
	"id":             "source_id",
	"sku":            "source_id",
	"description":    "description",
	"descricao":      "description",
	"product_code":   "product_code",
	"codigo":         "product_code",
	"barcode":        "barcode",
	"ean":            "barcode",
	"gtin":           "barcode",
	"commodity_code": "commodity_code",
	"ncm":            "commodity_code",
	"tax_code":       "tax_code",
	"cest":           "tax_code",
}

// Parser reads CSV and JSON product exports.
type Parser struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewParser creates a parser. A nil logger uses slog.Default.
func NewParser(logger *slog.Logger) *Parser {
	logger = common.Component(logger, "source")
	return &Parser{now: time.Now, logger: logger}
}

// ReadFile reads a product export and stamps every record with tenantID.
// The format is chosen from the file extension.
func (p *Parser) ReadFile(ctx context.Context, path, tenantID string) ([]model.ProductRecord, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open product file: %w", err)
	}
	defer f.Close()
	return p.Parse(ctx, f, format, tenantID)
}

// DetectFormat maps a file extension to a Format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Parse reads records in the given format. Records without a source id get
// one derived from their position so duplicates can still be reported.
func (p *Parser) Parse(ctx context.Context, r io.Reader, format Format, tenantID string) ([]model.ProductRecord, error) {
	var (
		records []model.ProductRecord
		err     error
	)
	switch format {
	case FormatCSV:
		records, err = p.parseCSV(ctx, r)
	case FormatJSON:
		records, err = parseJSON(r)
	case FormatJSONL:
		records, err = parseJSONL(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}

	importedAt := p.now().UTC()
	for i := range records {
		rec := &records[i]
		rec.TenantID = tenantID
		rec.ImportedAt = importedAt
		rec.SourceID = strings.TrimSpace(rec.SourceID)
		if rec.SourceID == "" {
			rec.SourceID = fmt.Sprintf("row-%d", i+1)
		}
		rec.Description = strings.TrimSpace(rec.Description)
		rec.CommodityCode = model.NormalizeCommodityCode(rec.CommodityCode)
		rec.TaxCode = model.NormalizeTaxCode(rec.TaxCode)
	}

	p.logger.Info("read product records", "format", format, "records", len(records), "tenant_id", tenantID)
	if len(records) == 0 {
		return nil, common.ErrNoRecords
	}
	return records, nil
}

func (p *Parser) parseCSV(ctx context.Context, r io.Reader) ([]model.ProductRecord, error) {
	br := bufio.NewReader(r)
	// Strip a UTF-8 byte order mark written by spreadsheet exports.
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}

	comma := sniffDelimiter(br)
	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, common.ErrNoRecords
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		if field, ok := columnAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, seen := columns[field]; !seen {
				columns[field] = i
			}
		} else {
			p.logger.Debug("ignoring CSV column", "column", h)
		}
	}
	if _, ok := columns["description"]; !ok {
		return nil, common.NewUserError("the CSV file needs a description column", fmt.Errorf("header %v", header))
	}

	var records []model.ProductRecord
	for line := 2; ; line++ {
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		get := func(field string) string {
			i, ok := columns[field]
			if !ok || i >= len(row) {
				return ""
			}
			return row[i]
		}
		records = append(records, model.ProductRecord{
			SourceID:      get("source_id"),
			Description:   get("description"),
			ProductCode:   get("product_code"),
			Barcode:       get("barcode"),
			CommodityCode: get("commodity_code"),
			TaxCode:       get("tax_code"),
		})
	}
	return records, nil
}

// sniffDelimiter picks ';' when the header uses it, as Brazilian spreadsheet exports do.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	firstLine, _, _ := bytes.Cut(peek, []byte("\n"))
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		return ';'
	}
	return ','
}

func parseJSON(r io.Reader) ([]model.ProductRecord, error) {
	var records []model.ProductRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, common.ErrNoRecords
		}
		return nil, fmt.Errorf("failed to decode JSON product file: %w", err)
	}
	return records, nil
}

func parseJSONL(ctx context.Context, r io.Reader) ([]model.ProductRecord, error) {
	var records []model.ProductRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec model.ProductRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL product file: %w", err)
	}
	return records, nil
}
