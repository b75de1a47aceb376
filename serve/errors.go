package serve

import (
	"encoding/json"
	"net/http"
)

// ErrorCode identifies an API error class. Codes and the JSON error body
// follow the registry API convention so existing clients can interpret
// responses from the mirror.
type ErrorCode struct {
	Code    string
	Message string
	Status  int
}

var (
	ErrorCodeUnknown = ErrorCode{
		Code:    "UNKNOWN",
		Message: "unknown error",
		Status:  http.StatusInternalServerError,
	}

	ErrorCodeNameUnknown = ErrorCode{
		Code:    "NAME_UNKNOWN",
		Message: "repository name not known to registry",
		Status:  http.StatusNotFound,
	}

	ErrorCodeManifestUnknown = ErrorCode{
		Code:    "MANIFEST_UNKNOWN",
		Message: "manifest unknown",
		Status:  http.StatusNotFound,
	}

	ErrorCodeBlobUnknown = ErrorCode{
		Code:    "BLOB_UNKNOWN",
		Message: "blob unknown to registry",
		Status:  http.StatusNotFound,
	}

	ErrorCodePaginationInvalid = ErrorCode{
		Code:    "PAGINATION_NUMBER_INVALID",
		Message: "invalid number of results requested",
		Status:  http.StatusBadRequest,
	}
)

type jsonError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Errors []jsonError `json:"errors"`
}

// serveError writes the error body with the code's status. Detail may be
// nil.
func serveError(w http.ResponseWriter, code ErrorCode, detail interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.Status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Errors: []jsonError{{
			Code:    code.Code,
			Message: code.Message,
			Detail:  detail,
		}},
	})
}
