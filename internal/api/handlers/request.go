package handlers

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "courier/internal/api/context"
	"courier/internal/api/middleware"
	"courier/internal/engine/faults"
	"courier/internal/engine/webhooks"
	"courier/internal/pkg/errors"
	"courier/internal/platform/audit"
)

const maxBodyBytes = 1 << 20

func param(r *http.Request, name string) string {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName(name)
}

func userID(r *http.Request) string {
	if claims := middleware.ClaimsFrom(r.Context()); claims != nil {
		return claims.UserID
	}
	return ""
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		errors.BadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) *bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// queryTime accepts RFC 3339 or unix milliseconds.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryRange(w http.ResponseWriter, r *http.Request) (from, to *time.Time, ok bool) {
	from, err := queryTime(r, "from")
	if err != nil {
		errors.BadRequest(w, "from must be RFC 3339 or unix milliseconds")
		return nil, nil, false
	}
	to, err = queryTime(r, "to")
	if err != nil {
		errors.BadRequest(w, "to must be RFC 3339 or unix milliseconds")
		return nil, nil, false
	}
	return from, to, true
}

func queryList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// writeServiceError maps engine errors onto the API error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stdErrors.Is(err, webhooks.ErrNotFound),
		stdErrors.Is(err, faults.ErrNotFound),
		stdErrors.Is(err, audit.ErrNotFound):
		errors.NotFound(w, err.Error())
	case stdErrors.Is(err, webhooks.ErrValidation):
		errors.BadRequest(w, err.Error())
	case stdErrors.Is(err, faults.ErrConflict),
		stdErrors.Is(err, faults.ErrAlreadyResolved):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, err.Error(), nil)
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		errors.Internal(w, err)
	}
}
