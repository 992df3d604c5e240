package handlers

import (
	"net/http"
	"strings"

	"github.com/asakaida/kiroku/internal/services/authorization"
)

// callerFromRequest builds the caller identity from request headers.
// Authentication itself happens upstream; these headers are trusted to be
// set by the gateway. An absent id yields a nil caller, which permission
// expressions treat as an anonymous subject.
func callerFromRequest(r *http.Request) *authorization.Caller {
	id := r.Header.Get("X-Caller-Id")
	if id == "" {
		return nil
	}
	caller := &authorization.Caller{ID: id}
	if roles := r.Header.Get("X-Caller-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			role = strings.TrimSpace(role)
			if role != "" {
				caller.Roles = append(caller.Roles, role)
			}
		}
	}
	return caller
}
