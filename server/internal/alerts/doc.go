// Package alerts evaluates threshold rules against ingested samples and
// delivers notifications to Teams, Slack, PagerDuty, or generic HTTP webhooks.
//
// A rule applies to every series whose metric name matches its condition, and
// alert state is tracked per rule and series. A firing alert resolves the next
// time a sample of that series no longer matches. Re-fires are suppressed for
// the rule's cooldown.
package alerts
