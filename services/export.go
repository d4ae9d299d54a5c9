package services

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// BuildReviewWorkbook renders a review's flagged pages into a spreadsheet
// correctors can work through offline. One row per page, consensus text next
// to an empty correction column.
func BuildReviewWorkbook(detail *ReviewDetail) (*excelize.File, error) {
	f := excelize.NewFile()

	const sheet = "Pages"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	headers := []string{"Page", "Confidence", "Agreement", "Method", "Consensus Text", "Corrected Text"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for row, page := range detail.Pages {
		values := []interface{}{
			page.PageNumber,
			page.Confidence,
			fmt.Sprintf("%.3f", page.AgreementScore),
			page.Method,
			page.ConsensusText,
			page.CorrectedText,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return nil, fmt.Errorf("failed to write page row: %w", err)
			}
		}
	}

	if err := f.SetColWidth(sheet, "E", "F", 80); err != nil {
		return nil, fmt.Errorf("failed to size text columns: %w", err)
	}

	return f, nil
}
