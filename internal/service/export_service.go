package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stemsi/exstem-live/internal/model"
	"github.com/xuri/excelize/v2"
)

const exportPageSize = 500

// ExportService renders submission rosters as spreadsheets.
type ExportService struct {
	monitor *MonitorService
}

// NewExportService creates a new ExportService.
func NewExportService(monitor *MonitorService) *ExportService {
	return &ExportService{monitor: monitor}
}

var rosterHeader = []interface{}{
	"Submission ID", "Student ID", "Status", "Started At", "Submitted At",
	"Remaining (s)", "Current Question", "Score",
}

// WriteRoster streams an .xlsx of every submission of the exam to w.
func (s *ExportService) WriteRoster(ctx context.Context, examID int64, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Submissions"
	f.SetSheetName("Sheet1", sheet)

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("stream writer: %w", err)
	}
	if err := sw.SetRow("A1", rosterHeader); err != nil {
		return err
	}

	row := 2
	for page := 1; ; page++ {
		subs, total, err := s.monitor.ListSubmissions(ctx, examID, page, exportPageSize)
		if err != nil {
			return fmt.Errorf("list submissions: %w", err)
		}
		for i := range subs {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := sw.SetRow(cell, rosterRow(&subs[i])); err != nil {
				return err
			}
			row++
		}
		if int64(page*exportPageSize) >= total || len(subs) == 0 {
			break
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	_, err = f.WriteTo(w)
	return err
}

func rosterRow(s *model.Submission) []interface{} {
	submittedAt := ""
	if s.SubmittedAt != nil {
		submittedAt = s.SubmittedAt.UTC().Format(time.RFC3339)
	}
	var score interface{} = ""
	if s.Score != nil {
		score = *s.Score
	}
	return []interface{}{
		s.ID.String(),
		s.StudentID,
		string(s.Status),
		s.CreatedAt.UTC().Format(time.RFC3339),
		submittedAt,
		s.RemainingTimeSeconds,
		s.CurrentQuestionOrder,
		score,
	}
}
