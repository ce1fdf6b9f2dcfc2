package interfaces

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	billing "tutorbill/internal/billing/domain"
)

// BuildInvoicePDF renders an invoice snapshot as a PDF.
func BuildInvoicePDF(snapshot *billing.ExportSnapshot) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, fmt.Sprintf("Invoice %s", snapshot.InvoiceNumber))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Guardian: %s", snapshot.GuardianID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s",
		snapshot.PeriodStart.Format("2006-01-02"), snapshot.PeriodEnd.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", snapshot.Status))
	pdf.Ln(5)
	if snapshot.Financials.DueDate != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Due: %s", snapshot.Financials.DueDate))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Lessons: %d (%d minutes)", snapshot.Counts.LessonCount, snapshot.Hours.TotalMinutes))
	pdf.Ln(8)

	if len(snapshot.Items) > 0 {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(28, 6, "Date", "1", 0, "C", false, 0, "")
		pdf.CellFormat(52, 6, "Description", "1", 0, "C", false, 0, "")
		pdf.CellFormat(36, 6, "Student", "1", 0, "C", false, 0, "")
		pdf.CellFormat(22, 6, "Minutes", "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, "Amount", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, item := range snapshot.Items {
			pdf.CellFormat(28, 6, item.Date.Format("2006-01-02"), "1", 0, "C", false, 0, "")
			pdf.CellFormat(52, 6, item.Description, "1", 0, "L", false, 0, "")
			pdf.CellFormat(36, 6, item.StudentName, "1", 0, "L", false, 0, "")
			pdf.CellFormat(22, 6, fmt.Sprintf("%d", item.DurationMinutes), "1", 0, "R", false, 0, "")
			pdf.CellFormat(26, 6, item.EffectiveAmount().StringFixed(2), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	fin := snapshot.Financials
	pdf.Cell(0, 6, fmt.Sprintf("Subtotal (%s): %s", snapshot.Currency, fin.Subtotal.StringFixed(2)))
	pdf.Ln(5)
	if !fin.Discount.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Discount: -%s", fin.Discount.StringFixed(2)))
		pdf.Ln(5)
	}
	if !fin.Tax.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Tax: %s", fin.Tax.StringFixed(2)))
		pdf.Ln(5)
	}
	if !fin.LateFee.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Late Fee: %s", fin.LateFee.StringFixed(2)))
		pdf.Ln(5)
	}
	if !fin.TransferFee.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Transfer Fee: %s", fin.TransferFee.StringFixed(2)))
		pdf.Ln(5)
	}
	if !fin.Tip.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Tip: %s", fin.Tip.StringFixed(2)))
		pdf.Ln(5)
	}
	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Total: %s", fin.Total.StringFixed(2)))
	pdf.Ln(5)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Paid: %s", fin.PaidAmount.StringFixed(2)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Balance Due: %s", fin.RemainingBalance.StringFixed(2)))
	pdf.Ln(5)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildInvoiceXLSX renders an invoice snapshot as a workbook with
// summary, items and rollup sheets.
func BuildInvoiceXLSX(snapshot *billing.ExportSnapshot) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	itemsSheet := "items"
	rollupSheet := "rollups"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(itemsSheet)
	f.NewSheet(rollupSheet)

	fin := snapshot.Financials
	_ = f.SetCellValue(summarySheet, "A1", "Invoice")
	_ = f.SetCellValue(summarySheet, "B1", snapshot.InvoiceNumber)
	_ = f.SetCellValue(summarySheet, "A3", "Guardian")
	_ = f.SetCellValue(summarySheet, "B3", snapshot.GuardianID)
	_ = f.SetCellValue(summarySheet, "A4", "Period Start")
	_ = f.SetCellValue(summarySheet, "B4", snapshot.PeriodStart.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A5", "Period End")
	_ = f.SetCellValue(summarySheet, "B5", snapshot.PeriodEnd.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A6", "Status")
	_ = f.SetCellValue(summarySheet, "B6", snapshot.Status)
	_ = f.SetCellValue(summarySheet, "A7", "Currency")
	_ = f.SetCellValue(summarySheet, "B7", snapshot.Currency)
	_ = f.SetCellValue(summarySheet, "A8", "Lessons")
	_ = f.SetCellValue(summarySheet, "B8", snapshot.Counts.LessonCount)
	_ = f.SetCellValue(summarySheet, "A9", "Total Minutes")
	_ = f.SetCellValue(summarySheet, "B9", snapshot.Hours.TotalMinutes)
	_ = f.SetCellValue(summarySheet, "A10", "Subtotal")
	_ = f.SetCellValue(summarySheet, "B10", fin.Subtotal.StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A11", "Total")
	_ = f.SetCellValue(summarySheet, "B11", fin.Total.StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A12", "Paid")
	_ = f.SetCellValue(summarySheet, "B12", fin.PaidAmount.StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A13", "Balance Due")
	_ = f.SetCellValue(summarySheet, "B13", fin.RemainingBalance.StringFixed(2))
	_ = f.SetCellValue(summarySheet, "A14", "Due Date")
	_ = f.SetCellValue(summarySheet, "B14", fin.DueDate)

	_ = f.SetCellValue(itemsSheet, "A1", "Date")
	_ = f.SetCellValue(itemsSheet, "B1", "Description")
	_ = f.SetCellValue(itemsSheet, "C1", "Student")
	_ = f.SetCellValue(itemsSheet, "D1", "Teacher")
	_ = f.SetCellValue(itemsSheet, "E1", "Minutes")
	_ = f.SetCellValue(itemsSheet, "F1", "Amount")
	for i, item := range snapshot.Items {
		row := i + 2
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("A%d", row), item.Date.Format("2006-01-02"))
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("B%d", row), item.Description)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("C%d", row), item.StudentName)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("D%d", row), item.TeacherName)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("E%d", row), item.DurationMinutes)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("F%d", row), item.EffectiveAmount().StringFixed(2))
	}

	_ = f.SetCellValue(rollupSheet, "A1", "Student")
	_ = f.SetCellValue(rollupSheet, "B1", "Lessons")
	_ = f.SetCellValue(rollupSheet, "C1", "Hours")
	row := 2
	for _, student := range snapshot.Students {
		_ = f.SetCellValue(rollupSheet, fmt.Sprintf("A%d", row), student.Name)
		_ = f.SetCellValue(rollupSheet, fmt.Sprintf("B%d", row), student.Lessons)
		_ = f.SetCellValue(rollupSheet, fmt.Sprintf("C%d", row), student.Hours)
		row++
	}
	row++
	_ = f.SetCellValue(rollupSheet, fmt.Sprintf("A%d", row), "Teacher")
	_ = f.SetCellValue(rollupSheet, fmt.Sprintf("B%d", row), "Minutes")
	row++
	for _, teacher := range snapshot.Teachers {
		_ = f.SetCellValue(rollupSheet, fmt.Sprintf("A%d", row), teacher.Name)
		_ = f.SetCellValue(rollupSheet, fmt.Sprintf("B%d", row), teacher.Minutes)
		row++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
