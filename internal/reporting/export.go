package reporting

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"titertrack/pkg/domain"
)

// Header is the column order shared by every CSV export.
var Header = []string{
	"Sample ID",
	"Cell Line",
	"Infection Status",
	"Created Date",
	"Plate Number",
	"Read 1 Path",
	"Read 2 Path",
}

// Row is a sample joined to its primary metadata row, read pair and titer.
// Missing joins are nil.
type Row struct {
	Sample   domain.Sample
	Metadata *domain.SampleMetadata
	ReadPair *domain.ReadPair
	Titer    *domain.Titer
}

// JoinRows joins each sample to its related records. The primary metadata
// row is the most recently recorded one.
func JoinRows(view domain.TransactionView, samples []domain.Sample) []Row {
	rows := make([]Row, 0, len(samples))
	for _, sample := range samples {
		row := Row{Sample: sample}
		if md, ok := domain.PrimaryMetadata(view.MetadataForSample(sample.ID)); ok {
			row.Metadata = &md
		}
		if rp, ok := view.FindReadPair(sample.ID); ok {
			row.ReadPair = &rp
		}
		if titer, ok := view.FindTiter(sample.ID); ok {
			row.Titer = &titer
		}
		rows = append(rows, row)
	}
	return rows
}

// CellLine returns the primary Cell_Line or "".
func (r Row) CellLine() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.StringValue(domain.MetadataCellLine)
}

// Infection returns the primary Infection or "".
func (r Row) Infection() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.StringValue(domain.MetadataInfection)
}

// Record renders the row in Header order.
func (r Row) Record() []string {
	record := []string{
		r.Sample.SampleID,
		r.CellLine(),
		r.Infection(),
		r.Sample.CreatedDateString(),
		"", "", "",
	}
	if r.ReadPair != nil {
		record[4] = strconv.Itoa(r.ReadPair.PlateNumber)
		record[5] = r.ReadPair.Read1Path
		record[6] = r.ReadPair.Read2Path
	}
	return record
}

// ExportRows renders samples as CSV records in Header order.
func ExportRows(view domain.TransactionView, samples []domain.Sample) [][]string {
	joined := JoinRows(view, samples)
	out := make([][]string, len(joined))
	for i, row := range joined {
		out[i] = row.Record()
	}
	return out
}

// WriteCSV writes Header followed by rows.
func WriteCSV(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}
