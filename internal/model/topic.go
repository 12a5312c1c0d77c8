package model

import "strings"

type Topic string

const (
	TopicAppUninstalled     Topic = "app/uninstalled"
	TopicSubscriptionUpdate Topic = "app_subscriptions/update"
	TopicSubjectDataRequest Topic = "customers/data_request"
	TopicSubjectErasure     Topic = "customers/redact"
	TopicTenantErasure      Topic = "shop/redact"
)

func (t Topic) String() string { return string(t) }

// ParseTopic normalizes platform header values ("customers/redact", " SHOP/REDACT ").
func ParseTopic(s string) Topic {
	return Topic(strings.ToLower(strings.TrimSpace(s)))
}

// IsCompliance reports whether the topic is one of the mandatory data-protection topics.
func (t Topic) IsCompliance() bool {
	return t == TopicSubjectDataRequest || t == TopicSubjectErasure || t == TopicTenantErasure
}
