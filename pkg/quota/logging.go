package quota

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing quota operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Referrer  UserID
	Credits   Credits
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithReferralNotifier wires the best-effort referrer notification.
func WithReferralNotifier(notifier ReferralNotifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithLocation sets the time zone that decides when a calendar day starts.
func WithLocation(location *time.Location) ServiceOption {
	return func(service *Service) {
		if location != nil {
			service.calendar.location = location
		}
	}
}

// WithDailyAllotment overrides DefaultDailyAllotment.
func WithDailyAllotment(allotment Credits) ServiceOption {
	return func(service *Service) {
		service.allotment = allotment
	}
}

// WithReferralBonus overrides DefaultReferralBonus.
func WithReferralBonus(bonus Credits) ServiceOption {
	return func(service *Service) {
		service.referralBonus = bonus
	}
}
