package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/obs"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

type envelope struct {
	Success    bool       `json:"success"`
	Data       any        `json:"data,omitempty"`
	Pagination any        `json:"pagination,omitempty"`
	Message    string     `json:"message,omitempty"`
	Error      *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg})
}

// writeError is the only place failures are turned into responses. Operational
// errors keep their code, message and metadata; anything else is logged with the
// request id and reported as a bare internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	rid := RequestIDFromContext(r.Context())
	body := &errorBody{RequestID: rid}

	ae, ok := apperr.As(err)
	if !ok || ae.Kind == apperr.KindInternal {
		obs.FromContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Code = apperr.KindInternal.Code()
		body.Message = "internal server error"
		writeJSON(w, http.StatusInternalServerError, envelope{Error: body})
		return
	}
	body.Code = ae.Kind.Code()
	body.Message = ae.Message
	body.Metadata = ae.Metadata
	writeJSON(w, ae.Kind.Status(), envelope{Error: body})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required", nil)
		}
		return apperr.Validation("invalid request body", map[string]any{"reason": err.Error()})
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("unexpected data after JSON body", nil)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes the body into dst and validates it.
func bind(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation("invalid input", nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Namespace()
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		fields[name] = fe.Tag()
	}
	return apperr.Validation("validation failed", map[string]any{"fields": fields})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, errors.New("out of range")
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	v, err := parsePositiveInt(r.URL.Query().Get(name), def, min, max)
	if err != nil {
		return 0, apperr.Validation(name+" must be an integer between "+strconv.Itoa(min)+" and "+strconv.Itoa(max),
			map[string]any{"field": name})
	}
	return v, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// parseDate accepts a calendar day or a full RFC 3339 timestamp.
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func queryDate(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, ok := parseDate(raw)
	if !ok {
		return time.Time{}, apperr.Validation(name+" must be a date", map[string]any{"field": name})
	}
	return t, nil
}
