// Package health exposes liveness and readiness handlers.
package health

import "net/http"

// ReadinessReporter is implemented by components whose readiness gates
// the whole process, such as the import worker.
type ReadinessReporter interface {
	Readiness() bool
}

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func Readiness(reporters ...ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		for _, rep := range reporters {
			if rep == nil || !rep.Readiness() {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
