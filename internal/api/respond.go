package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/Shugur-Network/peergate/internal/errors"
	"github.com/Shugur-Network/peergate/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 * 1024

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}

// decodeJSON reads a bounded JSON body into dst and runs its validate tags.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case stderrors.As(err, &maxErr):
			return apperrors.ValidationError("BODY_TOO_LARGE", fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		case stderrors.Is(err, io.EOF):
			return apperrors.ValidationError("EMPTY_BODY", "request body is required")
		default:
			return apperrors.ValidationError("INVALID_JSON", "request body is not valid JSON")
		}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", jsonFieldName(fe), fe.Tag()))
			}
			return apperrors.ValidationError("INVALID_REQUEST", strings.Join(parts, "; "))
		}
		return apperrors.ValidationError("INVALID_REQUEST", err.Error())
	}
	return nil
}

// jsonFieldName turns a validator field (Go name) into snake_case for
// messages that match the wire format.
func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(name[i-1] >= 'A' && name[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
