package models

import (
	"fmt"
	"time"
)

// ServiceType names a notification delivery channel.
type ServiceType string

const (
	ServiceEmail     ServiceType = "email"
	ServiceTelegram  ServiceType = "telegram"
	ServicePagerDuty ServiceType = "pagerduty"
)

// AllServiceTypes lists every delivery channel in dispatch order.
func AllServiceTypes() []ServiceType {
	return []ServiceType{ServiceEmail, ServiceTelegram, ServicePagerDuty}
}

// ParseServiceType validates a channel name
func ParseServiceType(s string) (ServiceType, error) {
	switch ServiceType(s) {
	case ServiceEmail, ServiceTelegram, ServicePagerDuty:
		return ServiceType(s), nil
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// NotificationSettings is an organization's alerting configuration: which
// kinds are enabled and which channels are active.
type NotificationSettings struct {
	OrganizationID int64
	Email          bool
	Telegram       bool
	PagerDuty      bool
	AlertFlags     AlertFlags
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChannelEnabled reports whether the channel is switched on
func (s NotificationSettings) ChannelEnabled(service ServiceType) bool {
	switch service {
	case ServiceEmail:
		return s.Email
	case ServiceTelegram:
		return s.Telegram
	case ServicePagerDuty:
		return s.PagerDuty
	}
	return false
}

// ServiceSettings holds the per-channel destinations for an organization.
// Email and telegram may carry several destinations; pagerduty carries one
// integration key.
type ServiceSettings struct {
	OrganizationID int64
	ServiceType    ServiceType
	// SettingsValue is a destination: an email address, a telegram chat id,
	// or a pagerduty integration key.
	SettingsValue string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
