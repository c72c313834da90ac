package interfaces

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	app "solarsync/internal/billing/application"
)

// BuildReconciliationPDF renders a reconciliation report, one table per
// installation plus the economy and forecast summary.
func BuildReconciliationPDF(clientName string, report *app.Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Monthly Reconciliation")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Client: %s", clientName))
	pdf.Ln(8)

	for _, label := range sortedLabels(report) {
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, label)
		pdf.Ln(7)

		pdf.CellFormat(22, 6, "Month", "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, "Consumption (kWh)", "1", 0, "C", false, 0, "")
		pdf.CellFormat(28, 6, "Injected (kWh)", "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, "Self-use (kWh)", "1", 0, "C", false, 0, "")
		pdf.CellFormat(28, 6, "Total (kWh)", "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, "Billed (BRL)", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, row := range report.Installations[label] {
			pdf.CellFormat(22, 6, row.Month, "1", 0, "C", false, 0, "")
			pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", row.ConsumptionKWh), "1", 0, "R", false, 0, "")
			pdf.CellFormat(28, 6, fmt.Sprintf("%.2f", row.InjectedKWh), "1", 0, "R", false, 0, "")
			pdf.CellFormat(30, 6, row.SelfConsumption, "1", 0, "R", false, 0, "")
			pdf.CellFormat(28, 6, fmt.Sprintf("%.2f", row.TotalKWh), "1", 0, "R", false, 0, "")
			pdf.CellFormat(26, 6, row.AmountBRL, "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, "Savings by month (BRL)")
	pdf.Ln(6)
	pdf.SetFont("Arial", "", 10)
	for _, month := range sortedMonths(report.Info.Economy) {
		pdf.Cell(0, 5, fmt.Sprintf("%s: %.2f", month, report.Info.Economy[month]))
		pdf.Ln(5)
	}

	if report.Info.Problem {
		pdf.Ln(3)
		pdf.Cell(0, 6, fmt.Sprintf("Warning [%s]: %s", report.Info.KeyError, report.Info.ActionNeeded))
		pdf.Ln(5)
	}
	if report.Forecast != nil {
		pdf.Ln(3)
		pdf.Cell(0, 6, fmt.Sprintf("Year-over-year trend: %.2f%% over %d shared months",
			report.Forecast.TrendPercent, report.Forecast.MonthsCompared))
		pdf.Ln(5)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReconciliationXLSX renders the report as a workbook: a summary sheet
// plus one sheet per installation.
func BuildReconciliationXLSX(clientName string, report *app.Report) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	f.SetSheetName("Sheet1", summarySheet)

	_ = f.SetCellValue(summarySheet, "A1", "Monthly Reconciliation")
	_ = f.SetCellValue(summarySheet, "A3", "Client")
	_ = f.SetCellValue(summarySheet, "B3", clientName)
	_ = f.SetCellValue(summarySheet, "A4", "Baseline generation (kWh)")
	_ = f.SetCellValue(summarySheet, "B4", report.Info.BaselineKWh)
	_ = f.SetCellValue(summarySheet, "A5", "Annual average (kWh)")
	_ = f.SetCellValue(summarySheet, "B5", report.Info.AnnualAverageKWh)
	if report.Info.Problem {
		_ = f.SetCellValue(summarySheet, "A6", "Warning")
		_ = f.SetCellValue(summarySheet, "B6", report.Info.KeyError)
		_ = f.SetCellValue(summarySheet, "C6", report.Info.ActionNeeded)
	}
	if report.Forecast != nil {
		_ = f.SetCellValue(summarySheet, "A7", "Trend (%)")
		_ = f.SetCellValue(summarySheet, "B7", report.Forecast.TrendPercent)
		_ = f.SetCellValue(summarySheet, "A8", "Months compared")
		_ = f.SetCellValue(summarySheet, "B8", report.Forecast.MonthsCompared)
	}

	row := 10
	_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), "Month")
	_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), "Savings (BRL)")
	for _, month := range sortedMonths(report.Info.Economy) {
		row++
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), month)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), report.Info.Economy[month])
	}

	for _, label := range sortedLabels(report) {
		sheet := sheetName(label)
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, "A1", "Month")
		_ = f.SetCellValue(sheet, "B1", "Consumption (kWh)")
		_ = f.SetCellValue(sheet, "C1", "Injected (kWh)")
		_ = f.SetCellValue(sheet, "D1", "Received (kWh)")
		_ = f.SetCellValue(sheet, "E1", "Self-use (kWh)")
		_ = f.SetCellValue(sheet, "F1", "Total (kWh)")
		_ = f.SetCellValue(sheet, "G1", "Billed (BRL)")
		for i, rec := range report.Installations[label] {
			r := i + 2
			_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", r), rec.Month)
			_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", r), rec.ConsumptionKWh)
			_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", r), rec.InjectedKWh)
			_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", r), rec.ReceivedKWh)
			_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", r), rec.SelfConsumption)
			_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", r), rec.TotalKWh)
			_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", r), rec.AmountBRL)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sortedLabels(report *app.Report) []string {
	labels := make([]string, 0, len(report.Installations))
	for label := range report.Installations {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func sortedMonths(economy map[string]float64) []string {
	months := make([]string, 0, len(economy))
	for month := range economy {
		months = append(months, month)
	}
	// Labels are MM/YYYY; sort by year then month, newest first.
	sort.Slice(months, func(i, j int) bool {
		yi, yj := months[i][3:], months[j][3:]
		if yi != yj {
			return yi > yj
		}
		return months[i][:2] > months[j][:2]
	})
	return months
}

// sheetName keeps labels inside Excel's 31-character sheet-name limit.
func sheetName(label string) string {
	if len(label) <= 31 {
		return label
	}
	return label[:31]
}
