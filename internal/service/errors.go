package service

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/dispatch"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/query"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/render"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/source"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

type errorStyle int

const (
	plainErrors errorStyle = iota
	wmsErrors
	jsonErrors
)

// statusOf maps an error to its HTTP status. Order matters: an upstream timeout inside a
// dispatch error is a gateway timeout.
func statusOf(err error) int {
	var de *dispatch.DispatchError
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, layer.ErrUnknownLayer):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), query.IsClientError(err),
		errors.Is(err, imaging.ErrUnsupportedFormat), errors.Is(err, srs.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &de), errors.Is(err, source.ErrUpstream), errors.Is(err, render.ErrAllSourcesFailed):
		return http.StatusBadGateway
	default:
		// includes query.ErrMissingScale, a configuration problem
		return http.StatusInternalServerError
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, style errorStyle, err error) {
	status := statusOf(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed", "status", status, "err", err)
	} else {
		s.logger.DebugContext(r.Context(), "request rejected", "status", status, "err", err)
	}

	switch style {
	case wmsErrors:
		writeServiceException(w, status, err)
	case jsonErrors:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":        http.StatusText(status),
			"description": err.Error(),
		})
	default:
		http.Error(w, err.Error(), status)
	}
}

type serviceException struct {
	Code    string `xml:"code,attr,omitempty"`
	Message string `xml:",chardata"`
}

type serviceExceptionReport struct {
	XMLName   xml.Name         `xml:"ServiceExceptionReport"`
	Version   string           `xml:"version,attr"`
	Exception serviceException `xml:"ServiceException"`
}

func writeServiceException(w http.ResponseWriter, status int, err error) {
	code := ""
	switch {
	case errors.Is(err, layer.ErrUnknownLayer):
		code = "LayerNotDefined"
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		code = "InvalidFormat"
	case errors.Is(err, srs.ErrUnsupported):
		code = "InvalidSRS"
	case status == http.StatusBadRequest:
		code = "InvalidParameterValue"
	}
	w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(serviceExceptionReport{
		Version:   "1.1.1",
		Exception: serviceException{Code: code, Message: err.Error()},
	})
}
