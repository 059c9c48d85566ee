package rmaapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/BearBump/RMATrack/internal/models"
)

const breachSheet = "SLA Breaches"

var breachHeaders = []string{
	"Case Number", "Priority", "Status", "Assignee", "Site",
	"Outbound Days", "Return Days", "Target Days", "Breach Reason", "Created At",
}

// slaBreaches lists breached cases as JSON, or as a spreadsheet with
// ?format=xlsx.
func (a *API) slaBreaches(w http.ResponseWriter, r *http.Request) {
	cases, err := a.Cases.ListSLABreaches(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		if cases == nil {
			cases = []*models.Case{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(cases), "cases": cases})
	case "xlsx":
		b, err := breachWorkbook(cases)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sla-breaches-%s.xlsx"`, a.now().Format("20060102")))
		_, _ = w.Write(b)
	default:
		writeError(w, r, errors.Wrapf(models.ErrValidation, "unsupported format %q", r.URL.Query().Get("format")))
	}
}

func breachWorkbook(cases []*models.Case) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", breachSheet); err != nil {
		return nil, errors.Wrap(err, "name sheet")
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F4CCCC"}, Pattern: 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "header style")
	}

	for i, h := range breachHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(breachSheet, cell, h); err != nil {
			return nil, errors.Wrap(err, "write header")
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(breachHeaders), 1)
	if err := f.SetCellStyle(breachSheet, "A1", last, headerStyle); err != nil {
		return nil, errors.Wrap(err, "style header")
	}

	for i, c := range cases {
		row := []any{
			c.CaseNumber,
			string(c.Priority),
			string(c.Status),
			c.Assignee,
			c.SiteID,
			days(c.SLA.OutboundActualDays),
			days(c.SLA.ReturnActualDays),
			c.SLA.TargetDeliveryDays,
			c.SLA.BreachReason,
			c.CreatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(breachSheet, cell, &row); err != nil {
			return nil, errors.Wrap(err, "write row")
		}
	}

	lastCol, _ := excelize.ColumnNumberToName(len(breachHeaders))
	_ = f.SetColWidth(breachSheet, "A", lastCol, 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "write workbook")
	}
	return buf.Bytes(), nil
}

func days(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func chiParamUpper(r *http.Request, name string) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, name)))
}
