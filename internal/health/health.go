package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check is one dependency checked on every health request
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		if len(checks) > 0 {
			st.Checks = make(map[string]bool, len(checks))
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			for _, c := range checks {
				err := c.Ping(ctx)
				st.Checks[c.Name] = err == nil
				if err != nil && st.OK {
					st.OK = false
					st.Message = c.Name + " ping failed"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
