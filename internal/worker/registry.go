package worker

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Registry maps a job_type to its handler. It is populated once in the
// composition root before the manager starts and is read-only afterwards,
// so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
	log      *logrus.Entry
}

func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		log:      logger.WithField("component", "registry"),
	}
}

// Register binds jobType to h. Registering the same type twice is an error;
// silent overwrites hide accidental double-registration.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("register handler: empty job type")
	}
	if h == nil {
		return fmt.Errorf("register handler for %q: nil handler", jobType)
	}
	if _, exists := r.handlers[jobType]; exists {
		r.log.WithField("job_type", jobType).Warn("duplicate handler registration rejected")
		return fmt.Errorf("handler for %q already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Get returns the handler for jobType, or (nil, false) when none is
// registered. It never panics; the manager turns a miss into a failed job.
func (r *Registry) Get(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
