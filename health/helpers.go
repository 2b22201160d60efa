package health

import (
	"sort"
	"time"
)

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines sub-statuses: any unhealthy makes the whole unhealthy,
// otherwise any degraded makes it degraded. Sub-statuses are sorted by
// component name.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components registered")
	}

	hasUnhealthy, hasDegraded := false, false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "all components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	sort.Slice(status.SubStatuses, func(i, j int) bool {
		return status.SubStatuses[i].Component < status.SubStatuses[j].Component
	})

	return status
}
