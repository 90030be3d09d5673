package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"reportd/internal/cronspec"
	"reportd/internal/report"
)

// CreateReportRequest is the body of POST /api/reports.
//
// Either cronExpression or timeOfDay must be given. With only timeOfDay the
// expression is derived from scheduleType.
type CreateReportRequest struct {
	ID             string    `json:"id,omitempty" validate:"omitempty,max=64"`
	BaseURL        string    `json:"baseUrl" validate:"required,url"`
	DashboardID    string    `json:"dashboardId" validate:"required,max=200"`
	DashboardName  string    `json:"dashboardName" validate:"max=200"`
	Widgets        []string  `json:"widgets" validate:"max=100,dive,max=100"`
	ScheduleType   string    `json:"scheduleType" validate:"required,oneof=daily weekly monthly"`
	TimeOfDay      string    `json:"timeOfDay" validate:"required_without=CronExpression,omitempty,datetime=15:04"`
	CronExpression string    `json:"cronExpression" validate:"required_without=TimeOfDay,omitempty,max=120"`
	StartDate      Date      `json:"startDate" validate:"required"`
	EndDate        Date      `json:"endDate" validate:"required,gtefield=StartDate"`
	IsActive       *bool     `json:"isActive"`
	Recipients     []string  `json:"recipients" validate:"max=50,dive,email"`
}

// UpdateReportRequest is the body of PUT /api/reports/{id}. Omitted fields
// keep their current value.
type UpdateReportRequest struct {
	BaseURL        *string    `json:"baseUrl,omitempty" validate:"omitempty,url"`
	DashboardName  *string    `json:"dashboardName,omitempty" validate:"omitempty,max=200"`
	Widgets        *[]string  `json:"widgets,omitempty" validate:"omitempty,max=100,dive,max=100"`
	ScheduleType   *string    `json:"scheduleType,omitempty" validate:"omitempty,oneof=daily weekly monthly"`
	TimeOfDay      *string    `json:"timeOfDay,omitempty" validate:"omitempty,datetime=15:04"`
	CronExpression *string    `json:"cronExpression,omitempty" validate:"omitempty,max=120"`
	StartDate      *Date      `json:"startDate,omitempty"`
	EndDate        *Date      `json:"endDate,omitempty"`
	IsActive       *bool      `json:"isActive,omitempty"`
	Recipients     *[]string  `json:"recipients,omitempty" validate:"omitempty,max=50,dive,email"`
}

// Date is a request timestamp. Besides RFC 3339 it takes the bare
// "2006-01-02" a date input produces, read as midnight UTC.
type Date struct{ time.Time }

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return &json.UnmarshalTypeError{Value: "string " + strconv.Quote(s), Type: reflect.TypeOf(d.Time)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		return f.Interface().(Date).Time
	}, Date{})
	return v
}

func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	fields := make(map[string]any, len(ve))
	for _, fe := range ve {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
	}
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "request validation failed",
		Details: map[string]any{"fields": fields},
		Err:     err,
	}
}

func badRequest(msg string) error {
	return &APIError{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg}
}

// recurrence resolves the stored recurrence from a type plus either an
// explicit expression or a time of day.
func recurrence(kind, timeOfDay, expr string) (report.Recurrence, error) {
	k, err := cronspec.ParseKind(kind)
	if err != nil {
		return report.Recurrence{}, err
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr, err = cronspec.Derive(k, timeOfDay)
		if err != nil {
			return report.Recurrence{}, err
		}
	} else if err := cronspec.Validate(expr); err != nil {
		return report.Recurrence{}, err
	}
	return report.Recurrence{Type: k, Expression: expr, TimeOfDay: strings.TrimSpace(timeOfDay)}, nil
}

func (req CreateReportRequest) definition() (report.Definition, error) {
	rec, err := recurrence(req.ScheduleType, req.TimeOfDay, req.CronExpression)
	if err != nil {
		return report.Definition{}, err
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return report.Definition{
		ID: strings.TrimSpace(req.ID),
		Dashboard: report.Dashboard{
			ID:      req.DashboardID,
			Name:    req.DashboardName,
			BaseURL: req.BaseURL,
		},
		Widgets:    req.Widgets,
		Recurrence: rec,
		Window:     report.Window{Start: req.StartDate.Time, End: req.EndDate.Time},
		IsActive:   active,
		Recipients: req.Recipients,
	}, nil
}

// patch merges req over cur. Recurrence is re-derived whenever any of its
// inputs changes.
func (req UpdateReportRequest) patch(cur report.Definition) (report.Patch, error) {
	var p report.Patch

	if req.BaseURL != nil || req.DashboardName != nil {
		d := cur.Dashboard
		if req.BaseURL != nil {
			d.BaseURL = *req.BaseURL
		}
		if req.DashboardName != nil {
			d.Name = *req.DashboardName
		}
		p.Dashboard = &d
	}
	p.Widgets = req.Widgets
	p.Recipients = req.Recipients
	p.IsActive = req.IsActive

	if req.ScheduleType != nil || req.TimeOfDay != nil || req.CronExpression != nil {
		kind := string(cur.Recurrence.Type)
		tod := cur.Recurrence.TimeOfDay
		expr := ""
		if req.ScheduleType != nil {
			kind = *req.ScheduleType
		}
		if req.TimeOfDay != nil {
			tod = *req.TimeOfDay
		}
		if req.CronExpression != nil {
			expr = *req.CronExpression
		} else if req.ScheduleType == nil && req.TimeOfDay == nil {
			expr = cur.Recurrence.Expression
		}
		if expr == "" && tod == "" {
			return report.Patch{}, badRequest("timeOfDay or cronExpression is required to change the schedule")
		}
		rec, err := recurrence(kind, tod, expr)
		if err != nil {
			return report.Patch{}, err
		}
		p.Recurrence = &rec
	}

	if req.StartDate != nil || req.EndDate != nil {
		w := cur.Window
		if req.StartDate != nil {
			w.Start = req.StartDate.Time
		}
		if req.EndDate != nil {
			w.End = req.EndDate.Time
		}
		if w.End.Before(w.Start) {
			return report.Patch{}, badRequest("endDate must not be before startDate")
		}
		p.Window = &w
	}
	return p, nil
}
