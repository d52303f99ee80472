package response

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/domain"
)

// MaxBodyBytes caps request bodies; register and login payloads are tiny.
const MaxBodyBytes = 64 << 10

// DecodeJSON strictly decodes exactly one JSON object from the request body.
// Unknown fields, trailing values and oversized bodies are invalid_json.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return domain.WithMeta(domain.ErrInvalidJSON(err), map[string]string{"reason": "body too large"})
		}
		return domain.ErrInvalidJSON(err)
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return domain.ErrInvalidJSON(errors.New("body must contain a single JSON value"))
	}
	return nil
}
