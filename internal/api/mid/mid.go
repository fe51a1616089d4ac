// Package mid contains the set of middleware functions wrapped around every
// API handler.
package mid

import (
	"net/http"

	"github.com/ahrav/riskscan/pkg/web"
)

type httpStatus interface {
	HTTPStatus() int
}

// statusOf predicts the status code web.Respond will write for resp.
func statusOf(resp web.Encoder) int {
	switch v := resp.(type) {
	case nil:
		return http.StatusNoContent
	case httpStatus:
		return v.HTTPStatus()
	case error:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func isError(resp web.Encoder) error {
	err, ok := resp.(error)
	if !ok {
		return nil
	}
	return err
}
