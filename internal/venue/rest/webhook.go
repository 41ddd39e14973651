package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradegate/internal/venue"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

var ErrInvalidReport = errors.New("invalid execution report")

// reportSchema 约束 webhook 推送的执行回报。成交类回报必须带累计数量与均价。
const reportSchema = `{
  "type": "object",
  "required": ["exec_id", "client_order_id", "kind"],
  "properties": {
    "exec_id": {"type": "string", "minLength": 1},
    "client_order_id": {"type": "string", "minLength": 1},
    "venue_order_id": {"type": "string"},
    "kind": {"enum": ["accepted", "partial_fill", "fill", "rejected", "cancelled"]},
    "last_qty": {"type": "integer", "minimum": 0},
    "last_price": {"type": "number", "minimum": 0},
    "cum_qty": {"type": "integer", "minimum": 0},
    "avg_price": {"type": "number", "minimum": 0},
    "reason": {"type": "string"},
    "at": {"type": "string"}
  },
  "if": {"properties": {"kind": {"enum": ["partial_fill", "fill"]}}},
  "then": {
    "required": ["cum_qty", "avg_price"],
    "properties": {"cum_qty": {"minimum": 1}, "avg_price": {"exclusiveMinimum": 0}}
  }
}`

var compiledReportSchema = jsonschema.MustCompileString("execution_report.json", reportSchema)

// DecodeReport 校验 webhook 原始报文并转换为 venue.Report。
func DecodeReport(raw []byte) (venue.Report, error) {
	if !gjson.ValidBytes(raw) {
		return venue.Report{}, fmt.Errorf("%w: malformed json", ErrInvalidReport)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return venue.Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := compiledReportSchema.Validate(doc); err != nil {
		return venue.Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	return reportFromResult(gjson.ParseBytes(raw))
}

// reportFromResult 读取回报字段；GET /orders/{id} 的响应使用 status 代替 kind。
func reportFromResult(res gjson.Result) (venue.Report, error) {
	kind := strings.ToLower(firstString(res, "kind", "status"))
	rep := venue.Report{
		ExecID:        firstString(res, "exec_id"),
		ClientOrderID: firstString(res, "client_order_id", "clientOrderId"),
		VenueOrderID:  firstString(res, "venue_order_id", "order_id"),
		Kind:          venue.ReportKind(kind),
		LastQty:       res.Get("last_qty").Int(),
		LastPrice:     res.Get("last_price").Float(),
		CumQty:        res.Get("cum_qty").Int(),
		AvgPrice:      res.Get("avg_price").Float(),
		Reason:        firstString(res, "reason"),
		At:            parseTime(res.Get("at").String()),
	}
	switch rep.Kind {
	case venue.ReportAccepted, venue.ReportPartialFill, venue.ReportFill, venue.ReportRejected, venue.ReportCancelled:
	case "submitted", "new", "open":
		rep.Kind = venue.ReportAccepted
	case "filled":
		rep.Kind = venue.ReportFill
	case "partially_filled":
		rep.Kind = venue.ReportPartialFill
	case "canceled":
		rep.Kind = venue.ReportCancelled
	default:
		return venue.Report{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidReport, kind)
	}
	if rep.At.IsZero() {
		rep.At = time.Now()
	}
	if rep.ExecID == "" {
		// 查询结果没有 exec id，用累计状态合成，保证同一状态只被应用一次。
		rep.ExecID = fmt.Sprintf("query:%s:%s:%d", rep.ClientOrderID, rep.Kind, rep.CumQty)
	}
	return rep, nil
}
