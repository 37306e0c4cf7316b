package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/h3engine/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML pages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method specified in the request is not allowed for this resource.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
}

// PrefersJSON checks if the client prefers application/json based on the
// Accept header value. Absent or malformed headers default to HTML.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool // not a wildcard type
		order     int
	}
	var offers []offer

	for i, partStr := range strings.Split(acceptHeaderValue, ",") {
		partStr = strings.TrimSpace(partStr)
		mediaType := partStr
		qValue := 1.0

		if idx := strings.Index(partStr, ";"); idx != -1 {
			mediaType = strings.TrimSpace(partStr[:idx])
			for _, param := range strings.Split(partStr[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if strings.HasPrefix(param, "q=") {
					if q, err := strconv.ParseFloat(param[2:], 64); err == nil && q >= 0 && q <= 1 {
						qValue = q
					} else {
						qValue = 0
					}
					break
				}
			}
		}

		// RFC 7231 Section 5.3.2: a media type with qvalue 0 is ignored.
		if qValue > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	// Higher q first, then the more specific type, then header order.
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// WriteErrorResponse sends a default error response on the stream,
// negotiating JSON vs HTML from the request's Accept header.
func WriteErrorResponse(rw ResponseWriterStream, statusCode int, requestHeaders []HeaderField, detailMessage string, log *logger.Logger) error {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	acceptHeaderValue := ""
	for _, hf := range requestHeaders {
		if strings.ToLower(hf.Name) == "accept" {
			acceptHeaderValue = hf.Value
			break
		}
	}

	var body []byte
	var contentType string
	jsonMarshalFailed := false

	shouldSendJSON := PrefersJSON(acceptHeaderValue)
	if shouldSendJSON {
		contentType = "application/json; charset=utf-8"
		var marshalErr error
		body, marshalErr = jsonMarshalFunc(ErrorResponseJSON{
			Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detailMessage},
		})
		if marshalErr != nil {
			if log != nil {
				log.Error("failed to marshal JSON error response, falling back to HTML",
					logger.LogFields{"error": marshalErr, "status_code": statusCode})
			}
			jsonMarshalFailed = true
		}
	}

	if !shouldSendJSON || jsonMarshalFailed {
		contentType = "text/html; charset=utf-8"
		var title, heading, baseMessage string
		msgData, known := defaultHTMLMessages[statusCode]
		if known {
			title, heading, baseMessage = msgData.Title, msgData.Heading, msgData.Message
		} else {
			title = fmt.Sprintf("%d %s", statusCode, statusText)
			heading = statusText
			baseMessage = "The server encountered an error processing your request."
		}

		htmlMessage := baseMessage
		if detailMessage != "" {
			escaped := html.EscapeString(detailMessage)
			if known {
				htmlMessage = baseMessage + " " + escaped
			} else {
				htmlMessage = escaped
			}
		}
		body = generateHTMLBody(title, heading, htmlMessage)
	}

	headers := []HeaderField{
		{Name: ":status", Value: strconv.Itoa(statusCode)},
		{Name: "content-type", Value: contentType},
		{Name: "content-length", Value: strconv.Itoa(len(body))},
		{Name: "cache-control", Value: "no-cache, no-store, must-revalidate"},
	}

	if err := rw.SendHeaders(headers, len(body) == 0); err != nil {
		if log != nil {
			log.Error("failed to send error response headers",
				logger.LogFields{"error": err, "stream_id": rw.ID(), "status_code": statusCode})
		}
		return fmt.Errorf("sending error response headers (status %d) on stream %d: %w", statusCode, rw.ID(), err)
	}
	if len(body) > 0 {
		if _, err := rw.WriteData(body, true); err != nil {
			if log != nil {
				log.Error("failed to send error response body",
					logger.LogFields{"error": err, "stream_id": rw.ID(), "status_code": statusCode})
			}
			return fmt.Errorf("sending error response body (status %d) on stream %d: %w", statusCode, rw.ID(), err)
		}
	}
	return nil
}

// SendDefaultErrorResponse renders a default error page for req. A nil req
// skips content negotiation and defaults to HTML.
func SendDefaultErrorResponse(rw ResponseWriterStream, statusCode int, req *Request, optionalDetail string, log *logger.Logger) {
	var reqHeaders []HeaderField
	if req != nil {
		if acceptVal, ok := req.HeaderValue("accept"); ok {
			reqHeaders = append(reqHeaders, HeaderField{Name: "accept", Value: acceptVal})
		}
	}
	if err := WriteErrorResponse(rw, statusCode, reqHeaders, optionalDetail, log); err != nil && log != nil {
		log.Error("failed to write default error response",
			logger.LogFields{"error": err, "stream_id": rw.ID(), "status_code": statusCode})
	}
}

func generateHTMLBody(title, heading, message string) []byte {
	titleEsc := html.EscapeString(title)
	headingEsc := html.EscapeString(heading)
	body := fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`, titleEsc, headingEsc, message)
	return []byte(body)
}

// TestingOnlySetJSONMarshal is used by tests to mock json.Marshal behavior.
func TestingOnlySetJSONMarshal(fn func(v interface{}) ([]byte, error)) func(v interface{}) ([]byte, error) {
	original := jsonMarshalFunc
	jsonMarshalFunc = fn
	return original
}
